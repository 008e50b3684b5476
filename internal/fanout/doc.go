// Package fanout turns conversation state changes into addressed real-time events.
//
// Events form a closed set (ConversationCreated, MessageSent, ...). Route maps
// each one to the channels that must hear about it:
//
//	admins        every connected operator
//	admin-{id}    one operator
//	chat-{id}     everyone viewing a conversation
//	user-{id}     one end user
//
// The Dispatcher runs Route and publishes the deliveries on background
// workers. Events are sharded by conversation ID so one conversation's events
// keep their order. A failed publish is retried a bounded number of times and
// then logged; the state change that raised the event is never rolled back.
package fanout
