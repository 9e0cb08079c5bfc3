package storage

import (
	"context"
	"errors"
)

var (
	// ErrNoDocument means the backend holds nothing yet (first run).
	ErrNoDocument = errors.New("no stored document")

	// ErrCorrupt means stored state exists but cannot be decoded. The
	// store treats it as absent after logging a warning; backends must
	// never return partial data alongside it.
	ErrCorrupt = errors.New("stored document is corrupt")
)

// Backend persists one session's configuration document as an opaque
// byte blob. Implementations replace the whole document on Store; readers
// of a backend never observe a half-written state.
type Backend interface {
	// Load returns the current document bytes, ErrNoDocument when
	// nothing has been stored, or ErrCorrupt when stored state cannot
	// be trusted.
	Load(ctx context.Context) ([]byte, error)

	// Store atomically replaces the document.
	Store(ctx context.Context, doc []byte) error

	// Close releases backend resources. The store flushes before
	// closing; Close itself does not write.
	Close() error
}

// RemoteMessage is one message in the remote data chat.
type RemoteMessage struct {
	ID   string
	Text string
}

// RemoteMedium is the slice of a messaging session the remote backend
// needs: a private data chat whose messages it can write, edit, delete,
// and read back oldest-first. Sessions whose platform cannot re-read its
// own messages simply do not implement it and fall back to an embedded
// backend.
type RemoteMedium interface {
	EnsureDataChat(ctx context.Context) (chatID string, err error)
	SendChatMessage(ctx context.Context, chatID, text string) (messageID string, err error)
	EditChatMessage(ctx context.Context, chatID, messageID, text string) error
	DeleteChatMessages(ctx context.Context, chatID string, messageIDs []string) error
	ChatHistory(ctx context.Context, chatID string, limit int) ([]RemoteMessage, error)
}
