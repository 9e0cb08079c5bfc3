package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/security"
)

// Activity is recorded under the user id and, when known, the folded
// username, so seen resolves either form.
const (
	presenceNamespace = "presence"
	seenIDKey         = "id:"
	seenNameKey       = "name:"
)

func presenceModule() *modules.Module {
	return &modules.Module{
		Name:        "presence",
		Description: "Tracks when chat members were last active.",
		Commands: []modules.Command{
			{
				Name:        "seen",
				Description: "Show when a user was last active.",
				Level:       security.LevelChatAdmin,
				Handler:     seenHandler,
			},
		},
		Watchers: []modules.Watcher{
			{Name: "track", Handle: trackActivity},
		},
	}
}

type lastSeen struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	ChatID   string `json:"chat_id"`
	Time     string `json:"time"`
}

func trackActivity(ctx context.Context, inv *modules.Invocation) error {
	sender := inv.Event.Sender
	if sender.ID == "" {
		return nil
	}
	when := inv.Event.Time
	if when.IsZero() {
		when = time.Now()
	}

	entry := lastSeen{
		UserID:   sender.ID,
		Username: sender.Username,
		ChatID:   inv.Event.Chat.ID,
		Time:     when.UTC().Format(time.RFC3339),
	}
	if err := inv.Store.Set(presenceNamespace, seenIDKey+sender.ID, entry); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	if sender.Username != "" {
		key := seenNameKey + strings.ToLower(sender.Username)
		if err := inv.Store.Set(presenceNamespace, key, entry); err != nil {
			return fmt.Errorf("record activity: %w", err)
		}
	}
	return nil
}

func seenHandler(ctx context.Context, inv *modules.Invocation) error {
	token := strings.TrimSpace(inv.Args)
	if token == "" {
		return inv.Reply(ctx, inv.T.T("presence.seen.usage"))
	}
	entry, ok := lookupSeen(inv, token)
	if !ok {
		return inv.Reply(ctx, inv.T.Tf("presence.seen.unknown", token))
	}
	who := entry.Username
	if who == "" {
		who = entry.UserID
	}
	return inv.Reply(ctx, inv.T.Tf("presence.seen.reply", who, entry.Time, entry.ChatID))
}

func lookupSeen(inv *modules.Invocation, token string) (lastSeen, bool) {
	keys := []string{
		seenIDKey + token,
		seenNameKey + strings.ToLower(strings.TrimPrefix(token, "@")),
	}
	for _, key := range keys {
		raw := inv.Store.Get(presenceNamespace, key, nil)
		if raw == nil {
			continue
		}
		// Fresh writes hold the struct; reloaded documents hold maps.
		payload, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var entry lastSeen
		if err := json.Unmarshal(payload, &entry); err != nil {
			continue
		}
		return entry, true
	}
	return lastSeen{}, false
}
