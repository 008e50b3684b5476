// Package gateway wires the support-gateway server together.
//
// # Overview
//
// Gateway owns every long-lived component: the store, the fan-out
// transport and its dispatcher, the socket hub, the presence tracker, the
// typing filter, the conversation service and the HTTP server. New builds
// them from a config.Config; Run serves until its context ends; Shutdown
// tears them down once.
//
// # HTTP API
//
// Routes live in api.go:
//
//   - POST /api/chats                   get or create the user's open conversation
//   - GET  /api/chats/user/{userId}     a user's history
//   - GET  /api/chats/waiting           unassigned queue (operators)
//   - GET  /api/chats/admin/{adminId}   an operator's open conversations
//   - GET  /api/chats/all?status=       every conversation (super-admins)
//   - POST /api/chats/assign|lock|unlock|transfer
//   - PATCH /api/chats/{chatId}/close
//   - GET  /api/messages/{chatId}?page=&limit=
//   - POST /api/messages, /api/messages/read, /api/messages/typing
//   - POST /api/status                  mark a user online or offline
//   - GET  /api/presence/admins         operators currently online
//   - GET  /api/events                  SSE stream (memory transport only)
//   - GET  /ws                          socket sessions
//   - GET  /health, GET /
//
// Service errors map onto status codes in writeServiceError. Conflicts carry
// the current owner so clients can show who holds the conversation.
//
// # Identity
//
// With auth.jwt_secret set every /api and /ws request needs a bearer token
// and the token's identity replaces whatever the body claims. Without it the
// identity fields in bodies and query strings are trusted.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx ends and shutdown completes
//
// Shutdown order: HTTP server, socket hub, presence, dispatcher, transport,
// typing filter, store, tsnet.
package gateway
