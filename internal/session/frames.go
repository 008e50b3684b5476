// ABOUTME: Decodes client action frames from a socket connection into session calls
// ABOUTME: Replies to each frame with an ack carrying the result or an error naming its kind

package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/transport/socket"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ActionSend        = "send"
	ActionTyping      = "typing"
	ActionRead        = "read"
	ActionClaim       = "claim"
	ActionLock        = "lock"
	ActionUnlock      = "unlock"
	ActionTransfer    = "transfer"
	ActionClose       = "close"
	ActionPing        = "ping"
)

// Server reply events.
const (
	EventConnected = "connected"
	EventAck       = "ack"
	EventError     = "error"
	EventPong      = "pong"
)

const frameTimeout = 10 * time.Second

type chatRef struct {
	ChatID string `json:"chatId"`
}

type typingData struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type transferData struct {
	ChatID      string `json:"chatId"`
	ToAdminID   string `json:"toAdminId"`
	ToAdminName string `json:"toAdminName"`
}

// ErrorBody is the data of an error reply.
type ErrorBody struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	AssignedTo string `json:"assignedTo,omitempty"`
}

type connectedBody struct {
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Handler adapts a Session to a socket connection.
type Handler struct {
	*Session
	ctx context.Context
}

var _ socket.ConnHandler = (*Handler)(nil)

// NewHandler wraps s for use with socket.Hub.ServeWS. ctx bounds every
// frame the connection sends.
func NewHandler(ctx context.Context, s *Session) *Handler {
	return &Handler{Session: s, ctx: ctx}
}

// OnOpen attaches the session and tells the client its connection id.
func (h *Handler) OnOpen(c *socket.Conn) error {
	h.Attach(h.ctx, c.ID, c)
	return c.Send(socket.Outbound{Event: EventConnected, Data: connectedBody{
		ConnID: c.ID,
		UserID: h.who.ID,
		Role:   string(h.who.Role),
	}})
}

// OnClose detaches the session.
func (h *Handler) OnClose(*socket.Conn) {
	h.Detach(context.WithoutCancel(h.ctx))
}

// OnFrame executes one client action and replies on the same connection.
func (h *Handler) OnFrame(c *socket.Conn, f socket.Frame) {
	ctx, cancel := context.WithTimeout(h.ctx, frameTimeout)
	defer cancel()

	if f.Action == ActionPing {
		_ = c.Send(socket.Outbound{Event: EventPong, Ref: f.Ref})
		return
	}

	result, err := h.Dispatch(ctx, f)
	if err != nil {
		h.logger.Debug("frame failed", "action", f.Action, "error", err)
		_ = c.Send(socket.Outbound{Event: EventError, Ref: f.Ref, Data: errorBody(err)})
		return
	}
	_ = c.Send(socket.Outbound{Event: EventAck, Channel: f.Channel, Ref: f.Ref, Data: result})
}

// ErrUnknownAction is returned for frames with an unrecognized action.
var ErrUnknownAction = errors.New("unknown action")

// Dispatch runs the session method named by f.Action and returns its result.
func (h *Handler) Dispatch(ctx context.Context, f socket.Frame) (any, error) {
	switch f.Action {
	case ActionSubscribe:
		return nil, h.SubscribeChannel(ctx, f.Channel)
	case ActionUnsubscribe:
		h.UnsubscribeChannel(f.Channel)
		return nil, nil
	case ActionSend:
		var in SendInput
		if err := decode(f.Data, &in); err != nil {
			return nil, err
		}
		return h.Send(ctx, in)
	case ActionTyping:
		var in typingData
		if err := decode(f.Data, &in); err != nil {
			return nil, err
		}
		return nil, h.Typing(ctx, in.ChatID, in.IsTyping)
	case ActionTransfer:
		var in transferData
		if err := decode(f.Data, &in); err != nil {
			return nil, err
		}
		return h.Transfer(ctx, in.ChatID, in.ToAdminID, in.ToAdminName)
	}

	var ref chatRef
	if err := decode(f.Data, &ref); err != nil {
		return nil, err
	}
	switch f.Action {
	case ActionJoin:
		return h.Join(ctx, ref.ChatID)
	case ActionLeave:
		h.Leave(ref.ChatID)
		return nil, nil
	case ActionRead:
		n, err := h.Read(ctx, ref.ChatID)
		return map[string]int64{"count": n}, err
	case ActionClaim:
		return h.Claim(ctx, ref.ChatID)
	case ActionLock:
		return h.Lock(ctx, ref.ChatID)
	case ActionUnlock:
		return h.Unlock(ctx, ref.ChatID)
	case ActionClose:
		return h.Close(ctx, ref.ChatID)
	}
	return nil, ErrUnknownAction
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errMalformed
	}
	return nil
}

var errMalformed = errors.New("malformed data")

func errorBody(err error) ErrorBody {
	body := ErrorBody{Error: err.Error(), Kind: conversation.KindOf(err).String()}
	var ce *conversation.Error
	if errors.As(err, &ce) {
		body.AssignedTo = ce.AssignedTo
	}
	switch {
	case errors.Is(err, ErrUnknownAction), errors.Is(err, errMalformed):
		body.Kind = conversation.KindValidation.String()
	case body.Kind == conversation.KindInternal.String():
		body.Error = "internal server error"
	}
	return body
}
