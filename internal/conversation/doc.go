// Package conversation implements the assignment and lock coordinator for
// support conversations.
//
// # Lifecycle
//
// A conversation moves through four states:
//
//	Waiting       unassigned, visible in the operator pool
//	Active        owned by one operator
//	ActiveLocked  owned and locked; hidden from other operators' pools
//	Closed        terminal
//
// Claim and Lock succeed when the conversation is unowned or already owned by
// the caller; otherwise they fail with a conflict naming the current owner.
// Unlock needs the owner or a super-admin. Transfer reassigns ownership
// without touching status or lock. Close is unconditional and idempotent.
//
// # Record first, then announce
//
// Every operation writes through the store before raising a fanout event.
// A store failure aborts the operation with no event; a publish failure is
// handled by the dispatcher and never reaches the caller.
//
// # Errors
//
// Caller-facing failures are *Error values. Use errors.Is with ErrValidation,
// ErrNotFound, ErrConflict, ErrForbidden or ErrClosed, or KindOf to switch on
// the kind. Anything else is a persistence failure.
package conversation
