// ABOUTME: Waiting-pool visibility rule as a pure predicate
// ABOUTME: Decides which conversations an operator sees in the shared pool

package conversation

import "github.com/2389/support-gateway/internal/store"

// Requester identifies the operator asking for a view.
type Requester struct {
	ID         string
	Name       string
	SuperAdmin bool
}

// VisibleInWaitingPool reports whether c belongs in r's waiting pool: it must
// be waiting and unassigned, and a lock hides it from everyone except the lock
// holder and super-admins.
func VisibleInWaitingPool(c *store.Conversation, r Requester) bool {
	if c.Status != store.StatusWaiting || c.IsAssigned() {
		return false
	}
	return !c.IsLocked || c.LockedByAdminID == r.ID || r.SuperAdmin
}
