// ABOUTME: HTTP middleware for JWT authentication on API and socket endpoints
// ABOUTME: Reads the token from the Authorization header or the token query parameter

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken finds the token on r. Browsers cannot set headers on a
// WebSocket handshake, so the query parameter is accepted as well.
func requestToken(r *http.Request) (string, string) {
	if q := r.URL.Query().Get("token"); q != "" && r.Header.Get("Authorization") == "" {
		return q, ""
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// HTTPAuthMiddleware rejects requests without a valid token and adds the
// principal to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			p, err := verifier.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireOperatorHTTP rejects principals that are not operators.
// Must be used after HTTPAuthMiddleware.
func RequireOperatorHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			if p == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !p.IsOperator() {
				writeError(w, http.StatusForbidden, "operator role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSuperAdminHTTP rejects principals that are not super-admins.
// Must be used after HTTPAuthMiddleware.
func RequireSuperAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			if p == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !p.IsOperator() || !p.SuperAdmin {
				writeError(w, http.StatusForbidden, "super-admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OptionalAuthMiddleware attaches a principal when a valid token is present
// and lets anonymous requests through unchanged.
func OptionalAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := verifier.Verify(token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
