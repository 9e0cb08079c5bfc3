package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/security"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/storage"
)

// Each session keeps its own announce target in its store; the fan-out
// reads peers' targets through Deps.Stores.
const (
	BroadcastNamespace = "broadcast"
	AnnounceChatKey    = "chat"
)

type broadcaster struct {
	deps   Deps
	banner string
	report bool
}

func broadcastModule(deps Deps) *modules.Module {
	b := &broadcaster{deps: deps, report: true}
	return &modules.Module{
		Name:        "broadcast",
		Description: "Owner announcements fanned out over every attached session.",
		Options: []modules.Option{
			{
				Key:         "banner",
				Default:     "",
				Description: "Text prepended to every announcement.",
				Schema:      `{"type": "string", "maxLength": 120}`,
			},
			{
				Key:         "report_failures",
				Default:     true,
				Description: "Name the sessions an announcement did not reach.",
				Schema:      `{"type": "boolean"}`,
			},
		},
		Configure: b.configure,
		Commands: []modules.Command{
			{
				Name:        "announce",
				Aliases:     []string{"broadcast"},
				Description: "Send text to every session's announce chat.",
				Level:       security.LevelOwnerOnly,
				Handler:     b.announce,
			},
			{
				Name:        "announcehere",
				Description: "Make the current chat this session's announce target.",
				Level:       security.LevelOwnerOnly,
				Handler:     b.announceHere,
			},
			{
				Name:        "sessions",
				Description: "List the attached sessions.",
				Level:       security.LevelOwnerOnly,
				Handler:     b.sessions,
			},
		},
	}
}

func (b *broadcaster) configure(ctx context.Context, sc *modules.SetupContext) error {
	if banner, ok := sc.Options["banner"].(string); ok {
		b.banner = banner
	}
	if report, ok := sc.Options["report_failures"].(bool); ok {
		b.report = report
	}
	return nil
}

func (b *broadcaster) announce(ctx context.Context, inv *modules.Invocation) error {
	text := strings.TrimSpace(inv.Args)
	if text == "" {
		return inv.Reply(ctx, inv.T.T("broadcast.usage"))
	}
	if b.banner != "" {
		text = b.banner + "\n" + text
	}

	results := inv.Peers.ForEach(ctx, func(ctx context.Context, s session.Session) error {
		store, ok := b.storeFor(inv, s.ID())
		if !ok {
			return fmt.Errorf("no store attached")
		}
		chat := store.GetString(BroadcastNamespace, AnnounceChatKey, "")
		if chat == "" {
			return fmt.Errorf("no announce chat set")
		}
		_, err := s.Send(ctx, chat, text)
		return err
	})

	delivered := 0
	var failed []string
	for _, res := range results {
		if res.Err == nil {
			delivered++
			continue
		}
		failed = append(failed, res.SessionID)
		inv.Log.Warn("announcement not delivered", "session", res.SessionID, "error", res.Err)
	}

	reply := inv.T.Tf("broadcast.result", delivered, len(results))
	if b.report && len(failed) > 0 {
		reply += "\n" + inv.T.Tf("broadcast.failed", strings.Join(failed, ", "))
	}
	return inv.Reply(ctx, reply)
}

// storeFor resolves a session's store. Without a lookup wired only the
// invoking session's own store is visible.
func (b *broadcaster) storeFor(inv *modules.Invocation, id string) (*storage.Store, bool) {
	if b.deps.Stores != nil {
		return b.deps.Stores(id)
	}
	if inv.Session != nil && id == inv.Session.ID() && inv.Store != nil {
		return inv.Store, true
	}
	return nil, false
}

func (b *broadcaster) announceHere(ctx context.Context, inv *modules.Invocation) error {
	if err := inv.Store.Set(BroadcastNamespace, AnnounceChatKey, inv.Event.Chat.ID); err != nil {
		return fmt.Errorf("store announce chat: %w", err)
	}
	return inv.Reply(ctx, inv.T.T("broadcast.here.set"))
}

func (b *broadcaster) sessions(ctx context.Context, inv *modules.Invocation) error {
	var sb strings.Builder
	sb.WriteString(inv.T.T("broadcast.sessions.header"))
	for _, s := range inv.Peers.List() {
		self := s.Self()
		handle := self.Username
		if handle == "" {
			handle = self.DisplayName
		}
		sb.WriteString(fmt.Sprintf("\n%s (%s) %s", s.ID(), s.Kind(), handle))
	}
	return inv.Reply(ctx, sb.String())
}
