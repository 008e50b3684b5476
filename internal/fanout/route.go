// ABOUTME: Routing table mapping each domain event to addressed deliveries
// ABOUTME: Pure function; the dispatcher hands its output to a transport

package fanout

import (
	"fmt"

	"github.com/2389/support-gateway/internal/store"
)

// Delivery is one event name and payload addressed to one channel.
type Delivery struct {
	Address Address
	Name    string
	Payload any
	Exclude string
}

// Route computes the ordered deliveries for ev. Deliveries to the
// per-conversation channel come first so live viewers see a message before
// any notification about it.
func Route(ev Event) []Delivery {
	switch e := ev.(type) {
	case ConversationCreated:
		return []Delivery{
			{Address: PoolAddress, Name: EventNewChat, Payload: NewChatPayload{Chat: e.Conversation}},
		}

	case ConversationClaimed:
		c := e.Conversation
		return []Delivery{
			{Address: PoolAddress, Name: EventChatTaken, Payload: ChatTakenPayload{
				ChatID: c.ID, AdminID: c.AssignedAdminID, AdminName: c.AssignedAdminName,
			}},
			{Address: UserAddress(c.UserID), Name: EventAdminJoined, Payload: AdminJoinedPayload{
				ChatID: c.ID, AdminName: c.AssignedAdminName,
			}},
		}

	case ConversationLocked:
		c := e.Conversation
		return []Delivery{
			{Address: PoolAddress, Name: EventChatLocked, Payload: ChatLockedPayload{
				ChatID: c.ID, LockedByAdminID: c.LockedByAdminID, LockedByAdminName: c.LockedByAdminName, Chat: c,
			}},
			{Address: UserAddress(c.UserID), Name: EventAdminJoined, Payload: AdminJoinedPayload{
				ChatID: c.ID, AdminName: c.AssignedAdminName,
			}},
		}

	case ConversationUnlocked:
		c := e.Conversation
		return []Delivery{
			{Address: PoolAddress, Name: EventChatUnlocked, Payload: ChatUnlockedPayload{ChatID: c.ID, Chat: c}},
		}

	case ConversationTransferred:
		c := e.Conversation
		out := make([]Delivery, 0, len(e.FromAdminIDs)+2)
		seen := make(map[string]bool, len(e.FromAdminIDs))
		for _, from := range e.FromAdminIDs {
			if from == "" || seen[from] {
				continue
			}
			seen[from] = true
			out = append(out, Delivery{Address: OperatorAddress(from), Name: EventChatTransferredOut,
				Payload: ChatTransferredOutPayload{ChatID: c.ID, ToAdminName: c.AssignedAdminName}})
		}
		return append(out,
			Delivery{Address: OperatorAddress(c.AssignedAdminID), Name: EventChatTransferredIn,
				Payload: ChatTransferredInPayload{Chat: c}},
			Delivery{Address: UserAddress(c.UserID), Name: EventAdminChanged,
				Payload: AdminChangedPayload{ChatID: c.ID, AdminName: c.AssignedAdminName}},
		)

	case ConversationClosed:
		c := e.Conversation
		p := ChatClosedPayload{ChatID: c.ID}
		return []Delivery{
			{Address: ConversationAddress(c.ID), Name: EventChatClosed, Payload: p},
			{Address: UserAddress(c.UserID), Name: EventChatClosed, Payload: p},
		}

	case MessageSent:
		return routeMessage(e)

	case TypingChanged:
		return []Delivery{
			{Address: ConversationAddress(e.ChatID), Name: EventTyping, Exclude: e.Exclude, Payload: TypingPayload{
				ChatID: e.ChatID, UserID: e.UserID, UserName: e.UserName, IsTyping: e.IsTyping,
			}},
		}

	case MessagesRead:
		return []Delivery{
			{Address: ConversationAddress(e.ChatID), Name: EventMessagesRead, Exclude: e.Exclude, Payload: MessagesReadPayload{
				ChatID: e.ChatID, ReaderID: e.ReaderID, ReaderType: e.ReaderType,
			}},
		}

	case PresenceChanged:
		c := e.Conversation
		return []Delivery{
			{Address: ownerOrPool(c.AssignedAdminID), Name: EventUserStatus, Payload: UserStatusPayload{
				ChatID: c.ID, UserID: c.UserID, Online: e.Online,
			}},
		}
	}

	// Unreachable while Event stays sealed; a new variant without a case lands here.
	panic(fmt.Sprintf("fanout: no route for %T", ev))
}

func routeMessage(e MessageSent) []Delivery {
	c, m := e.Conversation, e.Message
	live := Delivery{Address: ConversationAddress(c.ID), Name: EventNewMessage, Payload: NewMessagePayload{Message: m}}

	if m.SenderType == store.SenderUser {
		return []Delivery{live, {
			Address: ownerOrPool(c.AssignedAdminID),
			Name:    EventMessageNotification,
			Payload: MessageNotificationPayload{ChatID: c.ID, Message: m, Chat: c},
		}}
	}
	return []Delivery{live, {
		Address: UserAddress(c.UserID),
		Name:    EventMessageNotification,
		Payload: MessageNotificationPayload{ChatID: c.ID, Message: m},
	}}
}

// ownerOrPool targets the owning operator, or every operator when nobody owns the conversation.
func ownerOrPool(adminID string) Address {
	if adminID == "" {
		return PoolAddress
	}
	return OperatorAddress(adminID)
}
