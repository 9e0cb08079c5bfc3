package modules

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/relay/internal/i18n"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/storage"
)

// Handler runs a command invocation or a watcher pass.
type Handler func(ctx context.Context, inv *Invocation) error

// SetupContext is what Configure gets: the session's store, the
// translator, a module-tagged logger, and the module's resolved option
// values (declared defaults overlaid with configured values).
type SetupContext struct {
	Store   *storage.Store
	T       *i18n.Translator
	Log     *slog.Logger
	Options map[string]any
}

// ReadyContext is what OnReady gets once the session is live.
type ReadyContext struct {
	Session session.Session
	Store   *storage.Store
	Peers   *session.Pool
	Log     *slog.Logger
}

// Invocation carries one event into a handler. For command dispatches
// Command and Args are filled in; watcher passes see them empty.
type Invocation struct {
	Event   session.Event
	Session session.Session
	Store   *storage.Store
	T       *i18n.Translator
	Log     *slog.Logger
	Peers   *session.Pool

	// Command is the resolved canonical name, Args the untokenized
	// remainder of the message.
	Command string
	Args    string

	// Respond delivers the handler's reply. The dispatcher wires this
	// to edit the triggering message where the platform supports it,
	// splitting text that exceeds the platform limit.
	Respond func(ctx context.Context, text string) error
}

// Reply sends text back to the triggering chat through Respond, or
// directly through the session when no responder is wired (watchers,
// tests).
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	if inv.Respond != nil {
		return inv.Respond(ctx, text)
	}
	_, err := inv.Session.Send(ctx, inv.Event.Chat.ID, text)
	return err
}
