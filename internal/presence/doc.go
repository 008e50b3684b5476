// Package presence tracks which participants are connected.
//
// A participant may hold several connections (browser tabs, reconnects that
// overlap the old socket). The Tracker counts them and calls its Notifier only
// when the first connection opens or the last one closes. State lives in
// memory and is never read back from storage.
package presence
