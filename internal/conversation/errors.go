// ABOUTME: Error taxonomy returned by the conversation coordinator
// ABOUTME: Kinds map store sentinels to caller-facing validation/not-found/conflict/forbidden errors

package conversation

import (
	"errors"
	"fmt"
)

// Kind classifies a coordinator error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
	KindClosed
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindClosed:
		return "closed"
	case KindTransport:
		return "transport"
	}
	return "internal"
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrClosed     = &Error{Kind: KindClosed}
)

// Error is returned for every failure a caller can act on.
type Error struct {
	Kind    Kind
	Message string

	// AssignedTo names the current owner on conflicts.
	AssignedTo string

	err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.err }

func validationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(what string) error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func conflict(owner string, err error) error {
	return &Error{
		Kind:       KindConflict,
		Message:    fmt.Sprintf("conversation is already handled by %s", owner),
		AssignedTo: owner,
		err:        err,
	}
}

func forbidden(msg string, err error) error {
	return &Error{Kind: KindForbidden, Message: msg, err: err}
}

func closedError(err error) error {
	return &Error{Kind: KindClosed, Message: "conversation is closed", err: err}
}

// KindOf returns the kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
