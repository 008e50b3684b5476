// ABOUTME: Authenticated principal carried through request handlers
// ABOUTME: Provides WithPrincipal/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Role says which side of a conversation a principal is on.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "admin"
)

// Principal is an authenticated participant.
type Principal struct {
	ID         string
	Name       string
	Role       Role
	SuperAdmin bool
}

// IsOperator returns true for support operators.
func (p *Principal) IsOperator() bool {
	return p != nil && p.Role == RoleOperator
}

type principalKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// MustFromContext retrieves the Principal from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Principal {
	p := FromContext(ctx)
	if p == nil {
		panic("auth: Principal not found in context")
	}
	return p
}
