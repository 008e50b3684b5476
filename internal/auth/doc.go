// Package auth authenticates participants of the support gateway.
//
// Identities arrive as HS256 JWTs signed with the configured jwt_secret.
// Claims:
//
//	sub          participant id (required)
//	name         display name
//	role         "admin" (default) or "user"
//	super_admin  unrestricted visibility; ignored for users
//
// HTTPAuthMiddleware requires a token and stores the Principal in the
// request context; OptionalAuthMiddleware attaches one when present and
// lets anonymous requests through.
// RequireOperatorHTTP and RequireSuperAdminHTTP gate operator routes.
//
// When no secret is configured the gateway runs without this package and
// trusts the identity fields in request bodies.
package auth
