package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/storage/chunk"
)

// RemoteConfig configures the chat-backed backend.
type RemoteConfig struct {
	// PayloadLimit caps fragment payload size in bytes.
	PayloadLimit int `yaml:"payload_limit"`
	// HistoryLimit is how many data-chat messages are scanned on load.
	HistoryLimit int `yaml:"history_limit"`
}

// Validate applies defaults and checks bounds.
func (c *RemoteConfig) Validate() error {
	if c.PayloadLimit == 0 {
		c.PayloadLimit = chunk.DefaultPayloadLimit
	}
	if c.PayloadLimit < chunk.MinPayloadLimit {
		return fmt.Errorf("payload_limit %d below minimum %d", c.PayloadLimit, chunk.MinPayloadLimit)
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 200
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be positive")
	}
	return nil
}

// RemoteBackend stores the document as chunked messages in a private data
// chat reached through the session. A write sends the new fragment
// generation first and deletes the old one after, so a crash at any point
// leaves at least one complete generation behind; loads accept only the
// newest complete generation and clean up the rest.
type RemoteBackend struct {
	medium RemoteMedium
	cfg    RemoteConfig
	logger *slog.Logger

	mu      sync.Mutex
	chatID  string
	liveIDs []string // message ids of the current generation, index order
}

// NewRemoteBackend wraps a history-capable session medium.
func NewRemoteBackend(medium RemoteMedium, cfg RemoteConfig, logger *slog.Logger) (*RemoteBackend, error) {
	if medium == nil {
		return nil, fmt.Errorf("remote medium is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("remote backend config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteBackend{
		medium: medium,
		cfg:    cfg,
		logger: logger.With("component", "storage.remote"),
	}, nil
}

func (r *RemoteBackend) ensureChat(ctx context.Context) (string, error) {
	if r.chatID != "" {
		return r.chatID, nil
	}
	chatID, err := r.medium.EnsureDataChat(ctx)
	if err != nil {
		return "", fmt.Errorf("ensure data chat: %w", err)
	}
	r.chatID = chatID
	return chatID, nil
}

// Load scans the data chat and reassembles the newest complete fragment
// generation. Fragments with no complete generation mean a write was torn
// beyond recovery and the stored state cannot be trusted.
func (r *RemoteBackend) Load(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, err := r.ensureChat(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := r.medium.ChatHistory(ctx, chatID, r.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch data chat history: %w", err)
	}

	type tagged struct {
		msgID string
		frag  chunk.Fragment
	}
	var frags []tagged
	for _, m := range msgs {
		if f, ok := chunk.Decode(m.Text); ok {
			frags = append(frags, tagged{msgID: m.ID, frag: f})
		}
	}
	if len(frags) == 0 {
		return nil, ErrNoDocument
	}

	byGen := make(map[string][]chunk.Fragment)
	idsByGen := make(map[string][]string)
	for _, t := range frags {
		byGen[t.frag.Generation] = append(byGen[t.frag.Generation], t.frag)
		idsByGen[t.frag.Generation] = append(idsByGen[t.frag.Generation], t.msgID)
	}

	// Walk newest message first; the first generation that joins cleanly
	// is the winner. A generation still being written (or torn by a
	// crash) fails Join and is skipped in favor of its predecessor.
	tried := make(map[string]bool)
	for i := len(frags) - 1; i >= 0; i-- {
		gen := frags[i].frag.Generation
		if tried[gen] {
			continue
		}
		tried[gen] = true

		doc, err := chunk.Join(byGen[gen])
		if err != nil {
			r.logger.Warn("skipping unusable fragment generation",
				"generation", gen,
				"fragments", len(byGen[gen]),
				"error", err)
			continue
		}

		r.liveIDs = orderedIDs(byGen[gen], idsByGen[gen])
		r.cleanupStale(ctx, chatID, gen, idsByGen)
		return doc, nil
	}

	return nil, fmt.Errorf("%w: %d fragments, no complete generation", ErrCorrupt, len(frags))
}

// Store writes doc as a fresh generation, then removes the previous one.
// When both old and new documents fit a single message the live message
// is edited in place instead, which is atomic on every platform.
func (r *RemoteBackend) Store(ctx context.Context, doc []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, err := r.ensureChat(ctx)
	if err != nil {
		return err
	}

	generation := uuid.NewString()
	frags, err := chunk.Split(doc, generation, r.cfg.PayloadLimit)
	if err != nil {
		return fmt.Errorf("split document: %w", err)
	}

	if len(frags) == 1 && len(r.liveIDs) == 1 {
		if err := r.medium.EditChatMessage(ctx, chatID, r.liveIDs[0], frags[0].Encode()); err == nil {
			return nil
		}
		// Edit can fail when the live message was removed externally;
		// fall through to a full replace.
		r.logger.Warn("in-place edit failed, replacing fragment set", "chat_id", chatID)
	}

	newIDs := make([]string, 0, len(frags))
	for _, f := range frags {
		id, err := r.medium.SendChatMessage(ctx, chatID, f.Encode())
		if err != nil {
			// Leave the partial generation behind: the old one is still
			// complete and loads ignore the torn newcomer. It is swept
			// on the next successful load.
			return fmt.Errorf("send fragment %d/%d: %w", f.Index, f.Total, err)
		}
		newIDs = append(newIDs, id)
	}

	oldIDs := r.liveIDs
	r.liveIDs = newIDs

	if len(oldIDs) > 0 {
		if err := r.medium.DeleteChatMessages(ctx, chatID, oldIDs); err != nil {
			// Stale fragments are harmless; loads prefer the newest
			// complete generation and sweep leftovers.
			r.logger.Warn("failed to delete stale fragments", "count", len(oldIDs), "error", err)
		}
	}
	return nil
}

func (r *RemoteBackend) Close() error { return nil }

// cleanupStale removes every fragment message outside the winning
// generation. Best effort: failures only log.
func (r *RemoteBackend) cleanupStale(ctx context.Context, chatID, keep string, idsByGen map[string][]string) {
	var stale []string
	for gen, ids := range idsByGen {
		if gen != keep {
			stale = append(stale, ids...)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := r.medium.DeleteChatMessages(ctx, chatID, stale); err != nil {
		r.logger.Warn("failed to sweep stale fragments", "count", len(stale), "error", err)
		return
	}
	r.logger.Info("swept stale fragment generations", "count", len(stale))
}

// orderedIDs returns message ids sorted by their fragment index so the
// in-place edit path targets index 0.
func orderedIDs(frags []chunk.Fragment, ids []string) []string {
	ordered := make([]string, len(frags))
	for i, f := range frags {
		if f.Index >= 0 && f.Index < len(ordered) {
			ordered[f.Index] = ids[i]
		}
	}
	return ordered
}
