// ABOUTME: Channel address families for fan-out delivery
// ABOUTME: Pool, per-operator, per-conversation and per-user channel names

package fanout

import "strings"

// Address is a logical channel name understood by every transport.
type Address string

// PoolAddress reaches every connected operator.
const PoolAddress Address = "admins"

const (
	operatorPrefix     = "admin-"
	conversationPrefix = "chat-"
	userPrefix         = "user-"
)

// OperatorAddress reaches one operator.
func OperatorAddress(adminID string) Address {
	return Address(operatorPrefix + adminID)
}

// ConversationAddress reaches everyone viewing a conversation.
func ConversationAddress(chatID string) Address {
	return Address(conversationPrefix + chatID)
}

// UserAddress reaches one end user.
func UserAddress(userID string) Address {
	return Address(userPrefix + userID)
}

// Family classifies an address.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyPool
	FamilyOperator
	FamilyConversation
	FamilyUser
)

// Parse splits an address into its family and key. The pool address has an empty key.
func Parse(a Address) (Family, string) {
	if a == PoolAddress {
		return FamilyPool, ""
	}
	s := string(a)
	if key, ok := strings.CutPrefix(s, operatorPrefix); ok && key != "" {
		return FamilyOperator, key
	}
	if key, ok := strings.CutPrefix(s, conversationPrefix); ok && key != "" {
		return FamilyConversation, key
	}
	if key, ok := strings.CutPrefix(s, userPrefix); ok && key != "" {
		return FamilyUser, key
	}
	return FamilyUnknown, ""
}
