// ABOUTME: Tracks which users and operators currently hold live connections
// ABOUTME: Connection-counted so only the first connect and last disconnect change presence

package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Role distinguishes end users from operators.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "admin"
)

// Participant is one side of a conversation holding a connection.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Notifier is told when a participant comes online or goes offline.
type Notifier interface {
	PresenceChanged(ctx context.Context, p Participant, online bool)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, p Participant, online bool)

func (f NotifierFunc) PresenceChanged(ctx context.Context, p Participant, online bool) {
	f(ctx, p, online)
}

type entry struct {
	name  string
	conns int

	// marked counts as one connection set through Mark rather than a socket.
	marked bool
}

type key struct {
	role Role
	id   string
}

// Tracker holds presence for the lifetime of the process. A restart clears it.
type Tracker struct {
	mu      sync.Mutex
	entries map[key]*entry
	closed  bool

	// notifyMu is taken before mu is released so notifications for
	// transitions leave in the order the transitions happened.
	notifyMu sync.Mutex
	notifier Notifier
	logger   *slog.Logger
}

// NewTracker creates a Tracker. notifier may be nil.
func NewTracker(notifier Notifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries:  make(map[key]*entry),
		notifier: notifier,
		logger:   logger.With("component", "presence"),
	}
}

// Connect records one more connection for p. It returns true when p was
// offline before this call.
func (t *Tracker) Connect(ctx context.Context, p Participant) bool {
	return t.change(ctx, p, func(e *entry) bool {
		e.conns++
		return true
	})
}

// Disconnect drops one connection for p. It returns true when that was p's
// last connection.
func (t *Tracker) Disconnect(ctx context.Context, p Participant) bool {
	return t.change(ctx, p, func(e *entry) bool {
		sockets := e.conns
		if e.marked {
			sockets--
		}
		if sockets == 0 {
			return false
		}
		e.conns--
		return true
	})
}

// Mark sets presence for a participant without a socket, such as a client
// reporting its status over HTTP. A mark counts as one connection and
// repeating the same value has no effect. It returns true when the
// participant's online state changed.
func (t *Tracker) Mark(ctx context.Context, p Participant, online bool) bool {
	return t.change(ctx, p, func(e *entry) bool {
		if e.marked == online {
			return false
		}
		e.marked = online
		if online {
			e.conns++
		} else {
			e.conns--
		}
		return true
	})
}

// change applies apply to p's entry and notifies when the participant
// crossed between zero and one connections.
func (t *Tracker) change(ctx context.Context, p Participant, apply func(e *entry) bool) bool {
	if p.ID == "" {
		return false
	}
	k := key{p.Role, p.ID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
	}
	before := e.conns
	if !apply(e) {
		t.mu.Unlock()
		return false
	}
	if p.Name != "" {
		e.name = p.Name
	} else {
		p.Name = e.name
	}
	if e.conns > 0 {
		t.entries[k] = e
	} else {
		delete(t.entries, k)
	}

	online := e.conns > 0
	if (before > 0) == online {
		t.mu.Unlock()
		return false
	}
	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()

	if online {
		t.logger.Info("participant online", "role", p.Role, "id", p.ID)
	} else {
		t.logger.Info("participant offline", "role", p.Role, "id", p.ID)
	}
	t.notify(ctx, p, online)
	return true
}

func (t *Tracker) notify(ctx context.Context, p Participant, online bool) {
	if t.notifier != nil {
		t.notifier.PresenceChanged(ctx, p, online)
	}
}

// IsOnline reports whether the participant holds at least one connection.
func (t *Tracker) IsOnline(role Role, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key{role, id}]
	return ok
}

// Connections returns how many live connections the participant holds.
func (t *Tracker) Connections(role Role, id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key{role, id}]; ok {
		return e.conns
	}
	return 0
}

// OnlineAdmins lists connected operators ordered by ID.
func (t *Tracker) OnlineAdmins() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []Participant{}
	for k, e := range t.entries {
		if k.role == RoleOperator {
			out = append(out, Participant{ID: k.id, Name: e.name, Role: k.role})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of distinct online participants with role.
func (t *Tracker) Count(role Role) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.entries {
		if k.role == role {
			n++
		}
	}
	return n
}

// Close clears all presence. Later calls to Connect are ignored. No offline
// notifications are sent.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.logger.Debug("presence cleared", "participants", len(t.entries))
	t.entries = make(map[key]*entry)
}
