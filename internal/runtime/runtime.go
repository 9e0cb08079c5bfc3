// Package runtime assembles the per-session machinery. Attach builds a
// session's config store over the configured backend, its translator,
// security engine, module registry, and dispatcher; Run drives one
// dispatch loop per attached session until the context ends or every
// event stream closes. Sessions themselves are constructed elsewhere
// and handed in, so the runtime never knows platform credentials.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/i18n"
	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/modules/builtin"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/security"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/storage"
)

// closeTimeout bounds the final store flush when a session detaches.
const closeTimeout = 10 * time.Second

// Options carries the process-wide collaborators into New. Everything
// is optional except the config; nil metrics and tracer simply record
// nothing.
type Options struct {
	// Version is the build version the info command reports.
	Version string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Level, when set, lets the loglevel command adjust the process log
	// level live and lets a stored level apply at attach.
	Level *slog.LevelVar

	// Modules are extra module factories installed after the builtins.
	Modules []modules.Factory
}

// attachment is everything the runtime built for one session.
type attachment struct {
	sess       session.Session
	store      *storage.Store
	translator *i18n.Translator
	registry   *modules.Registry
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger
}

// Runtime owns the attached sessions and their dispatch loops.
type Runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observability.Metrics
	tracer  *observability.Tracer
	bundle  *i18n.Bundle
	pool    *session.Pool
	version string
	started time.Time
	extras  []modules.Factory

	mu          sync.Mutex
	attachments map[string]*attachment
	order       []string
}

// New builds a runtime from a validated config. Langpacks named in the
// config are merged over the embedded ones here, once for the process.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	bundle, err := i18n.LoadEmbedded()
	if err != nil {
		return nil, fmt.Errorf("load langpacks: %w", err)
	}
	for _, path := range cfg.Language.Packs {
		if err := bundle.LoadFile(path); err != nil {
			return nil, fmt.Errorf("load langpack: %w", err)
		}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Runtime{
		cfg:         cfg,
		log:         log,
		level:       opts.Level,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		bundle:      bundle,
		pool:        session.NewPool(),
		version:     version,
		started:     time.Now(),
		extras:      opts.Modules,
		attachments: map[string]*attachment{},
	}, nil
}

// Attach wires a session into the runtime: store, translator, security,
// modules, dispatcher. The session starts receiving dispatches once Run
// is called. Attach after Run has started is not supported.
func (r *Runtime) Attach(ctx context.Context, sess session.Session) error {
	if sess == nil {
		return fmt.Errorf("session is required")
	}
	id := sess.ID()

	r.mu.Lock()
	if _, exists := r.attachments[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session %q already attached", id)
	}
	r.mu.Unlock()

	log := r.log.With("session", id)

	backend, err := r.openBackend(sess, log)
	if err != nil {
		return fmt.Errorf("session %s: open store backend: %w", id, err)
	}
	store, err := storage.New(backend, r.storeConfig(), log, r.metrics)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("session %s: %w", id, err)
	}
	if err := store.Init(ctx); err != nil {
		_ = backend.Close()
		return fmt.Errorf("session %s: %w", id, err)
	}

	r.restoreLogLevel(store, log)
	translator := r.translator(store, log)

	engine := security.NewEngine(store, sess.IsChatAdmin, log)
	registry := modules.NewRegistry(log)

	factories := builtin.All(builtin.Deps{
		Version:  r.version,
		Started:  r.started,
		Registry: registry,
		Security: engine,
		LogLevel: r.level,
		Defaults: r.dispatchDefaults(),
		Stores:   r.StoreFor,
	})
	factories = append(factories, r.extras...)

	failures := registry.InstallAll(ctx, factories, modules.InstallOptions{
		Setup:  modules.SetupContext{Store: store, T: translator, Log: log},
		Values: r.cfg.Modules.Options,
		Filter: r.cfg.Modules.Selected,
	})
	for _, failure := range failures {
		log.Error("module failed to install", "module", failure.Module, "error", failure.Err)
	}
	loaded := len(registry.Modules())
	r.metrics.ModulesLoaded(id, loaded)

	dispatcher := dispatch.New(sess, dispatch.Deps{
		Registry: registry,
		Security: engine,
		Store:    store,
		T:        translator,
		Peers:    r.pool,
		Log:      r.log,
		Metrics:  r.metrics,
		Tracer:   r.tracer,
		Defaults: r.dispatchDefaults(),
	})

	if err := r.pool.Add(sess); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = store.Close(closeCtx)
		return fmt.Errorf("session %s: %w", id, err)
	}

	at := &attachment{
		sess:       sess,
		store:      store,
		translator: translator,
		registry:   registry,
		dispatcher: dispatcher,
		log:        log,
	}
	r.mu.Lock()
	r.attachments[id] = at
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.metrics.SessionStarted(sess.Kind())
	log.Info("session attached",
		"kind", sess.Kind(),
		"modules", loaded,
		"language", translator.Language())
	return nil
}

// Run fires every module's ready hook, then consumes each session's
// event stream until the context ends or the stream closes. A closing
// stream detaches only its own session; the others keep running.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	list := make([]*attachment, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.attachments[id])
	}
	r.mu.Unlock()

	if len(list) == 0 {
		return fmt.Errorf("no sessions attached")
	}

	for _, at := range list {
		failures := at.registry.NotifyReady(ctx, modules.ReadyContext{
			Session: at.sess,
			Store:   at.store,
			Peers:   r.pool,
			Log:     at.log,
		})
		if len(failures) > 0 {
			at.log.Warn("ready hooks failed", "failed", len(failures))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, at := range list {
		at := at // shared loop variable before go 1.22; each goroutine needs its own
		g.Go(func() error {
			err := at.dispatcher.Run(gctx)
			r.release(at)
			return err
		})
	}
	return g.Wait()
}

// StoreFor resolves an attached session's config store. It satisfies
// builtin.StoreLookup so cross-session modules can read peer state.
func (r *Runtime) StoreFor(sessionID string) (*storage.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.attachments[sessionID]
	if !ok {
		return nil, false
	}
	return at.store, true
}

// Detach removes a session that is not being run and closes its store.
// Sessions driven by Run detach themselves when their loop exits.
func (r *Runtime) Detach(id string) error {
	r.mu.Lock()
	at, ok := r.attachments[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q not attached", id)
	}
	r.release(at)
	return nil
}

// release tears one attachment down. Idempotent, so a detach racing a
// loop exit settles on whoever gets there first.
func (r *Runtime) release(at *attachment) {
	id := at.sess.ID()

	r.mu.Lock()
	if _, ok := r.attachments[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.attachments, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.pool.Remove(id)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := at.store.Close(ctx); err != nil {
		at.log.Error("store close failed", "error", err)
	}

	r.metrics.SessionStopped(at.sess.Kind())
	at.log.Info("session detached")
}

// openBackend picks the store backend for one session. The remote
// backend needs the session to be able to re-read its own messages;
// sessions that cannot fall back to sqlite with a warning rather than
// failing the attach.
func (r *Runtime) openBackend(sess session.Session, log *slog.Logger) (storage.Backend, error) {
	switch r.cfg.Store.Backend {
	case config.StoreBackendMemory:
		return storage.NewMemoryBackend(), nil
	case config.StoreBackendSQLite:
		return storage.NewSQLiteBackend(r.sqlitePath(sess.ID()))
	case config.StoreBackendRemote:
		medium, ok := sess.(storage.RemoteMedium)
		if !ok {
			log.Warn("session cannot host a remote store, falling back to sqlite",
				"kind", sess.Kind())
			return storage.NewSQLiteBackend(r.sqlitePath(sess.ID()))
		}
		rc := storage.RemoteConfig{
			PayloadLimit: r.cfg.Store.Remote.PayloadLimit,
			HistoryLimit: r.cfg.Store.Remote.HistoryLimit,
		}
		// Fragments must fit the platform's message length, with
		// headroom for the fragment header line.
		if lim := sess.TextLimit(); lim > 0 {
			if room := lim - 512; rc.PayloadLimit == 0 || rc.PayloadLimit > room {
				rc.PayloadLimit = room
			}
		}
		return storage.NewRemoteBackend(medium, rc, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", r.cfg.Store.Backend)
	}
}

// sqlitePath derives the per-session database file from the configured
// path: relay.db becomes relay-<session>.db.
func (r *Runtime) sqlitePath(id string) string {
	base := r.cfg.Store.SQLitePath
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + fileSafe(id) + ext
}

func fileSafe(id string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '-', c == '_', c == '.':
			return c
		default:
			return '-'
		}
	}, id)
}

func (r *Runtime) storeConfig() storage.StoreConfig {
	return storage.StoreConfig{
		FlushDelay:    r.cfg.Store.FlushDelay,
		FlushTimeout:  r.cfg.Store.FlushTimeout,
		FlushAttempts: r.cfg.Store.FlushAttempts,
	}
}

func (r *Runtime) dispatchDefaults() dispatch.Defaults {
	d := r.cfg.Dispatcher
	redispatch := true
	if d.RedispatchEdits != nil {
		redispatch = *d.RedispatchEdits
	}
	return dispatch.Defaults{
		CommandPrefix:   d.CommandPrefix,
		NicknameMode:    d.NicknameMode,
		CaseInsensitive: d.CaseInsensitive,
		RedispatchEdits: redispatch,
		NotifyDenied:    d.NotifyDenied,
	}
}

// restoreLogLevel applies a level stored by the loglevel command so a
// restart keeps the chosen verbosity.
func (r *Runtime) restoreLogLevel(store *storage.Store, log *slog.Logger) {
	if r.level == nil {
		return
	}
	raw := store.GetString(builtin.RuntimeNamespace, builtin.LogLevelKey, "")
	if raw == "" {
		return
	}
	level, ok := builtin.ParseLogLevel(raw)
	if !ok {
		log.Warn("ignoring invalid stored log level", "level", raw)
		return
	}
	r.level.Set(level)
	log.Info("log level restored", "level", raw)
}

// translator builds the session's translator, preferring the language
// stored by setlang over the configured default. An unusable stored
// value degrades to the default, then to the base locale. Replies
// pinned by the translation command are restored afterwards.
func (r *Runtime) translator(store *storage.Store, log *slog.Logger) *i18n.Translator {
	stored := store.GetString(builtin.TranslatorNamespace, builtin.LanguageKey, "")

	var translator *i18n.Translator
	for _, preferred := range []string{stored, r.cfg.Language.Default, i18n.BaseLocale} {
		if preferred == "" {
			continue
		}
		built, err := i18n.NewTranslator(r.bundle, preferred)
		if err != nil {
			log.Warn("language unusable", "language", preferred, "error", err)
			continue
		}
		translator = built
		break
	}
	if translator == nil {
		translator, _ = i18n.NewTranslator(r.bundle, i18n.BaseLocale)
	}

	for key, text := range storedOverrides(store) {
		translator.SetOverride(key, text)
	}
	return translator
}

// storedOverrides reads back the replies pinned by the translation
// command. The value is map[string]string while the store is live and
// map[string]any after a reload; anything else is ignored.
func storedOverrides(store *storage.Store) map[string]string {
	out := map[string]string{}
	switch raw := store.Get(builtin.TranslatorNamespace, builtin.OverridesKey, nil).(type) {
	case map[string]string:
		for key, text := range raw {
			out[key] = text
		}
	case map[string]any:
		for key, value := range raw {
			if text, ok := value.(string); ok {
				out[key] = text
			}
		}
	}
	return out
}
