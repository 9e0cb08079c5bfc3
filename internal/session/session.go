package session

import "context"

// Session is an authenticated connection to a messaging platform. The
// runtime owns one dispatcher per session; events flow out of Events in
// arrival order and the channel closes when the session ends.
//
// Implementations live in the platform adapter subpackages. Sessions
// whose platform can re-read its own messages additionally implement
// storage.RemoteMedium, which lets the config store live inside the
// platform itself.
type Session interface {
	// ID uniquely names this session within the process.
	ID() string

	// Kind is the platform name: "telegram", "discord", "memory".
	Kind() string

	// Self describes the authenticated account.
	Self() UserInfo

	// Owner is the user id that passes every security level. For
	// userbot-style deployments this is the account itself; bot
	// deployments configure their operator.
	Owner() string

	// Events yields inbound events in arrival order. Closed when the
	// session shuts down.
	Events() <-chan Event

	// Send posts text to a chat.
	Send(ctx context.Context, chatID, text string) (MessageRef, error)

	// Edit replaces the text of an existing message.
	Edit(ctx context.Context, ref MessageRef, text string) (MessageRef, error)

	// Delete removes messages. Missing messages are not an error.
	Delete(ctx context.Context, refs ...MessageRef) error

	// IsChatAdmin reports whether userID moderates chatID.
	IsChatAdmin(ctx context.Context, chatID, userID string) (bool, error)

	// TextLimit is the platform's maximum message length in bytes.
	TextLimit() int

	// Close shuts the session down and closes Events.
	Close(ctx context.Context) error
}
