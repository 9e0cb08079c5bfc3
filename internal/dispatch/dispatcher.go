// Package dispatch routes one session's inbound events: watchers see
// every qualifying event, messages carrying the command prefix go
// through tokenization, security, and handler invocation. Events are
// consumed FIFO, one handler at a time per session, and nothing a
// module does can take the loop down.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/relay/internal/i18n"
	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/security"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/storage"
)

// Store keys under StoreNamespace. Values set there win over the
// configured defaults, so behavior can be changed from chat.
const (
	OptionPrefix          = "command_prefix"
	OptionNicknameMode    = "nickname_mode"
	OptionCaseInsensitive = "case_insensitive"
	OptionRedispatchEdits = "redispatch_edits"
	OptionNotifyDenied    = "notify_denied"
)

// StoreNamespace holds the dispatcher's runtime options.
const StoreNamespace = "dispatcher"

// Defaults are the config-file fallbacks for the store-backed options.
type Defaults struct {
	CommandPrefix   string
	NicknameMode    bool
	CaseInsensitive bool
	RedispatchEdits bool
	NotifyDenied    bool
}

// Deps wires a dispatcher to the rest of the session's runtime.
type Deps struct {
	Registry *modules.Registry
	Security *security.Engine
	Store    *storage.Store
	T        *i18n.Translator
	Peers    *session.Pool
	Log      *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Defaults Defaults
}

// Dispatcher routes events for exactly one session.
type Dispatcher struct {
	sess session.Session
	deps Deps
	log  *slog.Logger
}

func New(sess session.Session, deps Deps) *Dispatcher {
	if deps.Defaults.CommandPrefix == "" {
		deps.Defaults.CommandPrefix = "."
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sess: sess,
		deps: deps,
		log:  log.With("component", "dispatch", "session", sess.ID()),
	}
}

// Run consumes the session's event stream until it closes or the
// context is canceled. Handlers finish before the next event of this
// session is looked at; other sessions run their own loops.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-d.sess.Events():
			if !ok {
				d.log.Info("event stream closed")
				return nil
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch routes one event by kind: new messages run watchers and the
// command pipeline, edits re-enter the command pipeline only, chat
// actions run watchers only.
func (d *Dispatcher) Dispatch(ctx context.Context, ev session.Event) {
	d.deps.Metrics.EventReceived(d.sess.ID(), string(ev.Kind))
	switch ev.Kind {
	case session.EventMessage:
		d.HandleIncoming(ctx, ev)
		d.HandleCommand(ctx, ev)
	case session.EventEdited:
		d.HandleCommand(ctx, ev)
	case session.EventChatAction:
		d.HandleIncoming(ctx, ev)
	}
}

// HandleIncoming runs the watcher pass. Edited messages are skipped;
// watchers see each message once. A watcher failing or panicking is
// logged and the pass continues.
func (d *Dispatcher) HandleIncoming(ctx context.Context, ev session.Event) {
	if ev.Kind == session.EventEdited {
		return
	}
	for _, binding := range d.deps.Registry.Watchers() {
		inv := d.invocation(ev, "", "")
		if err := invoke(ctx, binding.Watcher.Handle, inv); err != nil {
			d.deps.Metrics.WatcherFailed(binding.Module)
			d.log.Error("watcher failed",
				"module", binding.Module,
				"watcher", binding.Watcher.Name,
				"chat", ev.Chat.ID,
				"error", err)
		}
	}
}

// HandleCommand runs extraction through outcome handling. Events that
// are not command-shaped fall out silently at whichever step rules them
// out; that is the common case, not an error.
func (d *Dispatcher) HandleCommand(ctx context.Context, ev session.Event) {
	if ev.Kind == session.EventChatAction || ev.Text == "" || ev.Forwarded {
		return
	}

	rest, ok := d.stripPrefix(ev.Text)
	if !ok {
		return
	}
	name, args := splitCommand(rest)
	if name == "" {
		return
	}

	binding, ok := d.lookup(name)
	if !ok {
		return
	}

	if ev.Kind == session.EventEdited {
		if !d.boolOpt(OptionRedispatchEdits, d.deps.Defaults.RedispatchEdits) || binding.Command.IgnoreEdits {
			return
		}
	}

	decision := d.deps.Security.Authorize(ctx, security.Request{
		Command:  binding.Command.Name,
		Level:    binding.Command.Level,
		CallerID: ev.Sender.ID,
		ChatID:   ev.Chat.ID,
		IsOwner:  d.isOwner(ev),
		Private:  ev.Chat.Private,
	})
	if !decision.Allowed {
		d.deps.Metrics.CommandDenied(binding.Command.Name)
		d.log.Info("command denied",
			"command", binding.Command.Name,
			"caller", ev.Sender.ID,
			"chat", ev.Chat.ID,
			"rule", decision.Rule)
		if d.boolOpt(OptionNotifyDenied, d.deps.Defaults.NotifyDenied) {
			d.notify(ctx, ev, d.deps.T.T("dispatch.denied"))
		}
		return
	}

	d.run(ctx, ev, binding, args)
}

// run invokes the handler and deals with its outcome. Failures are
// logged with full context and answered with a generic notice; the
// dispatcher itself survives anything the handler does.
func (d *Dispatcher) run(ctx context.Context, ev session.Event, binding modules.CommandBinding, args string) {
	inv := d.invocation(ev, binding.Command.Name, args)
	started := time.Now()

	err := d.deps.Tracer.WithSpan(ctx, "dispatch.command", func(ctx context.Context) error {
		return invoke(ctx, binding.Command.Handler, inv)
	},
		attribute.String("command", binding.Command.Name),
		attribute.String("module", binding.Module),
		attribute.String("session", d.sess.ID()),
	)

	elapsed := time.Since(started).Seconds()
	if err != nil {
		d.deps.Metrics.CommandCompleted(binding.Command.Name, "error", elapsed)
		d.log.Error("command failed",
			"command", binding.Command.Name,
			"module", binding.Module,
			"chat", ev.Chat.ID,
			"caller", ev.Sender.ID,
			"error", err)
		d.notify(ctx, ev, d.deps.T.T("dispatch.command_failed"))
		return
	}
	d.deps.Metrics.CommandCompleted(binding.Command.Name, "ok", elapsed)
}

// invoke shields the loop from handler panics.
func invoke(ctx context.Context, h modules.Handler, inv *modules.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, inv)
}

func (d *Dispatcher) invocation(ev session.Event, command, args string) *modules.Invocation {
	return &modules.Invocation{
		Event:   ev,
		Session: d.sess,
		Store:   d.deps.Store,
		T:       d.deps.T,
		Log:     d.log,
		Peers:   d.deps.Peers,
		Command: command,
		Args:    args,
		Respond: d.responder(ev),
	}
}

// responder edits the triggering message in place when it is the
// session's own, the usual userbot reply style, and falls back to
// plain sends. Long replies are split under the platform limit; the
// first piece takes the edit slot.
func (d *Dispatcher) responder(ev session.Event) func(context.Context, string) error {
	return func(ctx context.Context, text string) error {
		parts := session.SplitText(text, d.sess.TextLimit())
		if len(parts) == 0 {
			return nil
		}
		remaining := parts
		if ev.Outgoing && !ev.Message.IsZero() {
			if _, err := d.sess.Edit(ctx, ev.Message, parts[0]); err == nil {
				remaining = parts[1:]
			}
		}
		for _, part := range remaining {
			if _, err := d.sess.Send(ctx, ev.Chat.ID, part); err != nil {
				return err
			}
		}
		return nil
	}
}

// notify best-effort delivers a runtime notice to the triggering chat.
func (d *Dispatcher) notify(ctx context.Context, ev session.Event, text string) {
	if err := d.responder(ev)(ctx, text); err != nil {
		d.log.Warn("notice undeliverable",
			"chat", ev.Chat.ID,
			"code", session.CodeOf(err),
			"error", err)
	}
}

// stripPrefix returns the command text after the prefix, or after the
// session's own handle in nickname mode.
func (d *Dispatcher) stripPrefix(text string) (string, bool) {
	if d.boolOpt(OptionNicknameMode, d.deps.Defaults.NicknameMode) {
		return d.stripNickname(text)
	}
	prefix := d.deps.Store.GetString(StoreNamespace, OptionPrefix, d.deps.Defaults.CommandPrefix)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", false
	}
	return text[len(prefix):], true
}

// stripNickname accepts "<handle> command ..." where handle is the
// session's username (with or without @) or display name.
func (d *Dispatcher) stripNickname(text string) (string, bool) {
	self := d.sess.Self()
	for _, handle := range []string{"@" + self.Username, self.Username, self.DisplayName} {
		if handle == "" || handle == "@" {
			continue
		}
		if !strings.HasPrefix(text, handle) {
			continue
		}
		rest := text[len(handle):]
		if rest == "" {
			continue
		}
		if r := rune(rest[0]); !unicode.IsSpace(r) && r != ',' && r != ':' {
			continue
		}
		return strings.TrimLeftFunc(rest, func(r rune) bool {
			return unicode.IsSpace(r) || r == ',' || r == ':'
		}), true
	}
	return "", false
}

func (d *Dispatcher) lookup(name string) (modules.CommandBinding, bool) {
	if d.boolOpt(OptionCaseInsensitive, d.deps.Defaults.CaseInsensitive) {
		return d.deps.Registry.LookupCommandFolded(name)
	}
	return d.deps.Registry.LookupCommand(name)
}

func (d *Dispatcher) isOwner(ev session.Event) bool {
	if ev.Outgoing {
		return true
	}
	owner := d.sess.Owner()
	return owner != "" && ev.Sender.ID == owner
}

func (d *Dispatcher) boolOpt(key string, def bool) bool {
	return d.deps.Store.GetBool(StoreNamespace, key, def)
}

// splitCommand separates the command token from the raw argument rest.
// Text starting with whitespace yields an empty name, so ". ping" is
// not a command.
func splitCommand(text string) (name, args string) {
	cut := strings.IndexFunc(text, unicode.IsSpace)
	if cut < 0 {
		return text, ""
	}
	return text[:cut], strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
}
