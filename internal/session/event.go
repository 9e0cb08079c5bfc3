// Package session defines the runtime's view of an externally supplied
// messaging session: an authenticated connection that yields inbound
// events and accepts send/edit/delete calls. Adapters bind concrete
// platforms to this interface; the dispatcher and modules never see
// platform types.
package session

import "time"

// EventKind classifies inbound events.
type EventKind string

const (
	// EventMessage is a newly received or sent chat message.
	EventMessage EventKind = "message"
	// EventEdited is a message edit. Edits may re-trigger command
	// dispatch but never watchers.
	EventEdited EventKind = "edited"
	// EventChatAction is a non-message chat event: joins, leaves,
	// pins, title changes.
	EventChatAction EventKind = "action"
)

// MessageRef identifies one message within a session.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// IsZero reports whether the ref points nowhere.
func (r MessageRef) IsZero() bool { return r.ChatID == "" && r.MessageID == "" }

// UserInfo describes a platform account.
type UserInfo struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

// ChatInfo describes the chat an event happened in.
type ChatInfo struct {
	ID      string
	Title   string
	Private bool
}

// Event is one inbound occurrence on a session. Text and Message are
// meaningful for message and edit kinds; Action for chat actions.
type Event struct {
	ID      string
	Kind    EventKind
	Session string
	Chat    ChatInfo
	Sender  UserInfo
	Message MessageRef
	Text    string

	// Outgoing marks messages sent by the session's own account.
	Outgoing bool
	// Forwarded messages never parse as commands.
	Forwarded bool
	// Action names the chat action for EventChatAction.
	Action string

	Time time.Time

	// Raw carries the platform payload for watchers that need it.
	Raw any
}
