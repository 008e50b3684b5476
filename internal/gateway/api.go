// ABOUTME: HTTP JSON API for the support gateway, routed with chi
// ABOUTME: Chat lifecycle, messages, typing, read receipts, presence and the WebSocket endpoint

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/presence"
	"github.com/2389/support-gateway/internal/session"
	"github.com/2389/support-gateway/internal/store"
)

// Version is reported by the info endpoint. Set at build time by the CLI.
var Version = "dev"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&requestLogFormatter{logger: g.logger}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.config.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	authenticated := passThrough
	identified := passThrough
	operatorOnly := passThrough
	superAdminOnly := passThrough
	if g.verifier != nil {
		authenticated = auth.HTTPAuthMiddleware(g.verifier)
		identified = auth.OptionalAuthMiddleware(g.verifier)
		operatorOnly = auth.RequireOperatorHTTP()
		superAdminOnly = auth.RequireSuperAdminHTTP()
	}

	// Health endpoints - no auth required
	r.With(identified).Get("/", g.handleInfo)
	r.Get("/health", g.handleHealth)

	r.With(authenticated).Get("/ws", g.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(authenticated)

		r.Route("/chats", func(r chi.Router) {
			r.Post("/", g.handleGetOrCreateChat)
			r.Get("/user/{userId}", g.handleUserChats)

			r.Group(func(r chi.Router) {
				r.Use(operatorOnly)
				r.Get("/waiting", g.handleWaitingChats)
				r.Get("/admin/{adminId}", g.handleOperatorChats)
				r.Post("/assign", g.handleAssignChat)
				r.Post("/lock", g.handleLockChat)
				r.Post("/unlock", g.handleUnlockChat)
				r.Post("/transfer", g.handleTransferChat)
				r.Patch("/{chatId}/close", g.handleCloseChat)
			})

			r.With(operatorOnly, superAdminOnly).Get("/all", g.handleAllChats)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/{chatId}", g.handleListMessages)
			r.Post("/", g.handleSendMessage)
			r.Post("/read", g.handleMarkRead)
			r.Post("/typing", g.handleTyping)
		})

		r.Post("/status", g.handleSetStatus)
		r.With(operatorOnly).Get("/presence/admins", g.handleOnlineAdmins)
		r.Get("/events", g.handleEventStream)
	})

	return r
}

func passThrough(next http.Handler) http.Handler { return next }

// requestLogFormatter bridges chi's request logger to slog.
type requestLogFormatter struct {
	logger *slog.Logger
}

func (f *requestLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &requestLogEntry{logger: f.logger.With(
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	)}
}

type requestLogEntry struct {
	logger *slog.Logger
}

func (e *requestLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ any) {
	e.logger.Debug("http request", "status", status, "bytes", bytes, "duration", elapsed)
}

func (e *requestLogEntry) Panic(v any, stack []byte) {
	e.logger.Error("http handler panic", "panic", v, "stack", string(stack))
}

// Response bodies

type errorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	AssignedTo string `json:"assignedTo,omitempty"`
}

type chatResponse struct {
	Success bool                `json:"success"`
	Chat    *store.Conversation `json:"chat"`
	IsNew   *bool               `json:"isNew,omitempty"`
}

type chatListResponse struct {
	Success bool                  `json:"success"`
	Chats   []*store.Conversation `json:"chats"`
}

type paginationResponse struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type messageListResponse struct {
	Success    bool               `json:"success"`
	Messages   []*store.Message   `json:"messages"`
	Pagination paginationResponse `json:"pagination"`
}

type sendMessageResponse struct {
	Success bool                `json:"success"`
	Message *store.Message      `json:"message"`
	Chat    *store.Conversation `json:"chat"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type readResponse struct {
	Success bool  `json:"success"`
	Count   int64 `json:"count"`
}

type statusResponse struct {
	Success bool `json:"success"`
	Online  bool `json:"online"`
}

type adminsResponse struct {
	Success bool                   `json:"success"`
	Admins  []presence.Participant `json:"admins"`
}

// Request bodies

type createChatRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type operatorChatRequest struct {
	ChatID       string `json:"chatId"`
	AdminID      string `json:"adminId"`
	AdminName    string `json:"adminName"`
	IsSuperAdmin bool   `json:"isSuperAdmin"`
}

type transferRequest struct {
	ChatID      string `json:"chatId"`
	FromAdminID string `json:"fromAdminId"`
	ToAdminID   string `json:"toAdminId"`
	ToAdminName string `json:"toAdminName"`
}

type sendMessageRequest struct {
	ChatID      string            `json:"chatId"`
	SenderID    string            `json:"senderId"`
	SenderType  store.SenderType  `json:"senderType"`
	SenderName  string            `json:"senderName"`
	Content     string            `json:"content"`
	MessageType store.MessageType `json:"messageType"`
	FileURL     string            `json:"fileUrl"`
}

type typingRequest struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type readRequest struct {
	ChatID     string           `json:"chatId"`
	ReaderID   string           `json:"readerId"`
	ReaderType store.SenderType `json:"readerType"`
}

type statusRequest struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response with the given status code.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps a coordinator error onto an HTTP status. Errors
// outside the taxonomy are logged and reported without detail.
func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch conversation.KindOf(err) {
	case conversation.KindValidation:
		status = http.StatusBadRequest
	case conversation.KindNotFound:
		status = http.StatusNotFound
	case conversation.KindConflict, conversation.KindClosed:
		status = http.StatusConflict
	case conversation.KindForbidden:
		status = http.StatusForbidden
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	body := errorResponse{Error: err.Error()}
	var ce *conversation.Error
	if errors.As(err, &ce) {
		body.AssignedTo = ce.AssignedTo
	}
	writeJSON(w, status, body)
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

var errNotYours = errors.New("not allowed for this account")

// principalIdentity converts the authenticated principal into a session identity.
func principalIdentity(p *auth.Principal) session.Identity {
	role := presence.RoleUser
	if p.IsOperator() {
		role = presence.RoleOperator
	}
	return session.Identity{ID: p.ID, Name: p.Name, Role: role, SuperAdmin: p.SuperAdmin}
}

// requester resolves the operator behind a request. With auth enabled the
// token wins over the identity fields in the request.
func requester(r *http.Request, id, name string, superAdmin bool) conversation.Requester {
	if p := auth.FromContext(r.Context()); p != nil {
		if p.Name != "" {
			name = p.Name
		}
		return conversation.Requester{ID: p.ID, Name: name, SuperAdmin: p.SuperAdmin}
	}
	return conversation.Requester{ID: id, Name: name, SuperAdmin: superAdmin}
}

// userScope resolves the end user a request acts for. An authenticated end
// user may only act for themselves; operators may name any user.
func userScope(r *http.Request, userID string) (string, error) {
	p := auth.FromContext(r.Context())
	if p == nil || p.IsOperator() {
		return userID, nil
	}
	if userID != "" && userID != p.ID {
		return "", errNotYours
	}
	return p.ID, nil
}

// authorizeView applies the session visibility rule to an authenticated request.
func (g *Gateway) authorizeView(r *http.Request, chatID string) error {
	p := auth.FromContext(r.Context())
	if p == nil {
		return nil
	}
	c, err := g.service.Get(r.Context(), chatID)
	if err != nil {
		return err
	}
	if !principalIdentity(p).CanView(c) {
		return session.ErrChannelDenied
	}
	return nil
}

// Handlers

type infoResponse struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Auth      bool              `json:"auth"`
	Identity  *identityInfo     `json:"identity,omitempty"`
	Endpoints map[string]string `json:"endpoints"`
}

type identityInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	SuperAdmin bool   `json:"superAdmin,omitempty"`
}

// handleInfo describes the API. A valid token is echoed back as the caller's
// identity; an anonymous request is still answered.
func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	var identity *identityInfo
	if p := auth.FromContext(r.Context()); p != nil {
		identity = &identityInfo{ID: p.ID, Name: p.Name, Role: string(p.Role), SuperAdmin: p.SuperAdmin}
	}
	writeJSON(w, http.StatusOK, infoResponse{
		Message:  "Chat API Server",
		Version:  Version,
		Auth:     g.verifier != nil,
		Identity: identity,
		Endpoints: map[string]string{
			"chats":    "/api/chats",
			"messages": "/api/messages",
			"status":   "/api/status",
			"presence": "/api/presence/admins",
			"events":   "/api/events",
			"socket":   "/ws",
			"health":   "/health",
		},
	})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime,omitempty"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "OK", Timestamp: time.Now().UTC()}
	if !g.startedAt.IsZero() {
		resp.Uptime = time.Since(g.startedAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetOrCreateChat handles POST /api/chats.
func (g *Gateway) handleGetOrCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, err := userScope(r, req.UserID)
	if err != nil {
		sendJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	if p := auth.FromContext(r.Context()); p != nil && !p.IsOperator() && req.UserName == "" {
		req.UserName = p.Name
	}

	c, created, err := g.service.GetOrCreate(r.Context(), userID, req.UserName)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chatResponse{Success: true, Chat: c, IsNew: &created})
}

// handleUserChats handles GET /api/chats/user/{userId}.
func (g *Gateway) handleUserChats(w http.ResponseWriter, r *http.Request) {
	userID, err := userScope(r, chi.URLParam(r, "userId"))
	if err != nil {
		sendJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	chats, err := g.service.ListUserConversations(r.Context(), userID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatListResponse{Success: true, Chats: chats})
}

// handleWaitingChats handles GET /api/chats/waiting?adminId=&isSuperAdmin=.
func (g *Gateway) handleWaitingChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	superAdmin, _ := strconv.ParseBool(q.Get("isSuperAdmin"))
	op := requester(r, q.Get("adminId"), "", superAdmin)

	chats, err := g.service.ListWaiting(r.Context(), op)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatListResponse{Success: true, Chats: chats})
}

// handleOperatorChats handles GET /api/chats/admin/{adminId}.
func (g *Gateway) handleOperatorChats(w http.ResponseWriter, r *http.Request) {
	adminID := chi.URLParam(r, "adminId")
	if p := auth.FromContext(r.Context()); p != nil && !p.SuperAdmin && adminID != p.ID {
		sendJSONError(w, http.StatusForbidden, errNotYours.Error())
		return
	}
	chats, err := g.service.ListOperatorConversations(r.Context(), adminID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatListResponse{Success: true, Chats: chats})
}

// handleAllChats handles GET /api/chats/all?status=.
func (g *Gateway) handleAllChats(w http.ResponseWriter, r *http.Request) {
	chats, err := g.service.ListAll(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatListResponse{Success: true, Chats: chats})
}

// handleAssignChat handles POST /api/chats/assign.
func (g *Gateway) handleAssignChat(w http.ResponseWriter, r *http.Request) {
	var req operatorChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := g.service.Claim(r.Context(), req.ChatID, requester(r, req.AdminID, req.AdminName, req.IsSuperAdmin))
	g.writeChat(w, r, c, err)
}

// handleLockChat handles POST /api/chats/lock.
func (g *Gateway) handleLockChat(w http.ResponseWriter, r *http.Request) {
	var req operatorChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := g.service.Lock(r.Context(), req.ChatID, requester(r, req.AdminID, req.AdminName, req.IsSuperAdmin))
	g.writeChat(w, r, c, err)
}

// handleUnlockChat handles POST /api/chats/unlock.
func (g *Gateway) handleUnlockChat(w http.ResponseWriter, r *http.Request) {
	var req operatorChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := g.service.Unlock(r.Context(), req.ChatID, requester(r, req.AdminID, req.AdminName, req.IsSuperAdmin))
	g.writeChat(w, r, c, err)
}

// handleTransferChat handles POST /api/chats/transfer.
func (g *Gateway) handleTransferChat(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if p := auth.FromContext(r.Context()); p != nil && req.FromAdminID == "" {
		req.FromAdminID = p.ID
	}
	c, err := g.service.Transfer(r.Context(), conversation.TransferRequest{
		ChatID:      req.ChatID,
		FromAdminID: req.FromAdminID,
		ToAdminID:   req.ToAdminID,
		ToAdminName: req.ToAdminName,
	})
	g.writeChat(w, r, c, err)
}

// handleCloseChat handles PATCH /api/chats/{chatId}/close.
func (g *Gateway) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	c, err := g.service.Close(r.Context(), chi.URLParam(r, "chatId"))
	g.writeChat(w, r, c, err)
}

func (g *Gateway) writeChat(w http.ResponseWriter, r *http.Request, c *store.Conversation, err error) {
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Success: true, Chat: c})
}

// handleListMessages handles GET /api/messages/{chatId}?page=&limit=.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	if err := g.authorizeView(r, chatID); err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	res, err := g.service.ListMessages(r.Context(), chatID, page, limit)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageListResponse{
		Success:  true,
		Messages: res.Messages,
		Pagination: paginationResponse{
			Page:  res.Page,
			Limit: res.Limit,
			Total: res.Total,
			Pages: res.Pages,
		},
	})
}

// handleSendMessage handles POST /api/messages. Authenticated requests go
// through the participant's session so the sender fields come from the token.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		res *conversation.SendResult
		err error
	)
	if p := auth.FromContext(r.Context()); p != nil {
		who := principalIdentity(p)
		if who.Name == "" {
			who.Name = req.SenderName
		}
		res, err = session.New(who, g.service, nil, g.logger).Send(r.Context(), session.SendInput{
			ChatID:      req.ChatID,
			Content:     req.Content,
			MessageType: req.MessageType,
			FileURL:     req.FileURL,
		})
	} else {
		res, err = g.service.SendMessage(r.Context(), conversation.SendRequest{
			ChatID:      req.ChatID,
			SenderID:    req.SenderID,
			SenderType:  req.SenderType,
			SenderName:  req.SenderName,
			Content:     req.Content,
			MessageType: req.MessageType,
			FileURL:     req.FileURL,
		})
	}
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{Success: true, Message: res.Message, Chat: res.Conversation})
}

// handleMarkRead handles POST /api/messages/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		n   int64
		err error
	)
	if p := auth.FromContext(r.Context()); p != nil {
		n, err = session.New(principalIdentity(p), g.service, nil, g.logger).Read(r.Context(), req.ChatID)
	} else {
		n, err = g.service.MarkRead(r.Context(), conversation.ReadRequest{
			ChatID:     req.ChatID,
			ReaderID:   req.ReaderID,
			ReaderType: req.ReaderType,
		})
	}
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Success: true, Count: n})
}

// handleTyping handles POST /api/messages/typing.
func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if p := auth.FromContext(r.Context()); p != nil {
		req.UserID = p.ID
		if p.Name != "" {
			req.UserName = p.Name
		}
		if err := g.authorizeView(r, req.ChatID); err != nil {
			g.writeServiceError(w, r, err)
			return
		}
	}
	if _, err := g.service.SetTyping(r.Context(), conversation.TypingRequest{
		ChatID:   req.ChatID,
		UserID:   req.UserID,
		UserName: req.UserName,
		IsTyping: req.IsTyping,
	}); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleSetStatus handles POST /api/status. Clients without a socket report
// presence here; the report counts as one connection in the tracker.
func (g *Gateway) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, err := userScope(r, req.UserID)
	if err != nil {
		sendJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	if userID == "" {
		sendJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	g.presence.Mark(r.Context(), presence.Participant{ID: userID, Role: presence.RoleUser}, req.Online)
	writeJSON(w, http.StatusOK, statusResponse{
		Success: true,
		Online:  g.presence.IsOnline(presence.RoleUser, userID),
	})
}

// handleOnlineAdmins handles GET /api/presence/admins.
func (g *Gateway) handleOnlineAdmins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, adminsResponse{Success: true, Admins: g.presence.OnlineAdmins()})
}

// participant resolves the identity of a streaming client: the token when
// auth is enabled, otherwise the userId, name, role and superAdmin query
// parameters.
func participant(r *http.Request) (session.Identity, error) {
	if p := auth.FromContext(r.Context()); p != nil {
		return principalIdentity(p), nil
	}
	q := r.URL.Query()
	who := session.Identity{
		ID:   q.Get("userId"),
		Name: q.Get("name"),
		Role: presence.RoleUser,
	}
	switch q.Get("role") {
	case "", string(presence.RoleUser):
	case string(presence.RoleOperator):
		who.Role = presence.RoleOperator
		who.SuperAdmin, _ = strconv.ParseBool(q.Get("superAdmin"))
	default:
		return who, errors.New("role must be user or admin")
	}
	if who.ID == "" {
		return who, errors.New("userId is required")
	}
	return who, nil
}

// handleWebSocket handles GET /ws. The connection lives until the client
// leaves or the gateway shuts down.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	who, err := participant(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s := session.New(who, g.service, g.presence, g.logger)
	g.hub.ServeWS(w, r, session.NewHandler(r.Context(), s))
}
