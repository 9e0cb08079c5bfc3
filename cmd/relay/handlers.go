package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/modules/builtin"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/runtime"
	"github.com/haasonsaas/relay/internal/security"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/session/discord"
	"github.com/haasonsaas/relay/internal/session/telegram"
)

// runServe implements the serve command logic: configuration loading,
// session startup, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger, level := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	metrics := observability.NewMetrics()
	tracer, stopTracer := observability.NewTracer(cfg.Tracing)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(stopCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	rt, err := runtime.New(cfg, runtime.Options{
		Version: version,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		Level:   level,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	// Cancel on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics.Listen, logger)
		defer stopMetricsServer(srv, logger)
	}

	// The deferred close runs even when startSessions fails partway, so
	// sessions that did connect are shut down again.
	sessions, err := startSessions(ctx, cfg, logger)
	defer closeSessions(sessions, logger)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return fmt.Errorf("no sessions configured")
	}

	for _, sess := range sessions {
		if err := rt.Attach(ctx, sess); err != nil {
			return fmt.Errorf("attach session %s: %w", sess.ID(), err)
		}
	}

	logger.Info("relay started", "sessions", len(sessions))

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("relay stopped gracefully")
	return nil
}

// startSessions connects every session named in the config. On error the
// sessions already connected are returned alongside it so the caller can
// close them.
func startSessions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]session.Session, error) {
	var sessions []session.Session

	for _, sc := range cfg.Sessions.Telegram {
		sess, err := telegram.New(telegram.Config{
			ID:        sc.ID,
			BotToken:  sc.BotToken,
			OwnerID:   sc.OwnerID,
			QueueSize: cfg.Dispatcher.QueueSize,
			Logger:    logger,
		})
		if err != nil {
			return sessions, fmt.Errorf("telegram session %s: %w", sc.ID, err)
		}
		if err := sess.Start(ctx); err != nil {
			return sessions, fmt.Errorf("telegram session %s: %w", sc.ID, err)
		}
		sessions = append(sessions, sess)
		logger.Info("session connected", "session", sess.ID(), "kind", sess.Kind())
	}

	for _, sc := range cfg.Sessions.Discord {
		sess, err := discord.New(discord.Config{
			ID:            sc.ID,
			BotToken:      sc.BotToken,
			OwnerID:       sc.OwnerID,
			GuildID:       sc.GuildID,
			DataChannelID: sc.DataChannelID,
			QueueSize:     cfg.Dispatcher.QueueSize,
			Logger:        logger,
		})
		if err != nil {
			return sessions, fmt.Errorf("discord session %s: %w", sc.ID, err)
		}
		if err := sess.Start(ctx); err != nil {
			return sessions, fmt.Errorf("discord session %s: %w", sc.ID, err)
		}
		sessions = append(sessions, sess)
		logger.Info("session connected", "session", sess.ID(), "kind", sess.Kind())
	}

	return sessions, nil
}

// closeSessions shuts sessions down in reverse connection order.
func closeSessions(sessions []session.Session, logger *slog.Logger) {
	for i := len(sessions) - 1; i >= 0; i-- {
		sess := sessions[i]
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sess.Close(ctx); err != nil {
			logger.Warn("session close failed", "session", sess.ID(), "error", err)
		}
		cancel()
	}
}

// startMetricsServer serves Prometheus metrics and a health check over
// HTTP in the background.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	return server
}

func stopMetricsServer(server *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", "error", err)
	}
}

// runModules prints the builtin module manifests. The factories are
// invoked with empty deps; handlers are not called here.
func runModules(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Builtin modules:")
	for _, factory := range builtin.All(builtin.Deps{}) {
		mod := factory()
		fmt.Fprintf(out, "  %s - %s\n", mod.Name, mod.Description)

		var names []string
		for _, c := range mod.Commands {
			if c.Hidden {
				continue
			}
			names = append(names, c.Name)
		}
		if len(names) > 0 {
			fmt.Fprintf(out, "    commands: %s\n", strings.Join(names, ", "))
		}
		if len(mod.Watchers) > 0 {
			fmt.Fprintf(out, "    watchers: %d\n", len(mod.Watchers))
		}
		if len(mod.Options) > 0 {
			var keys []string
			for _, opt := range mod.Options {
				keys = append(keys, opt.Key)
			}
			fmt.Fprintf(out, "    options: %s\n", strings.Join(keys, ", "))
		}
	}
	return nil
}

// runConfigCheck loads and validates a config file, then prints a short
// summary of what it resolves to plus any file permission findings.
func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK: %s\n", configPath)
	fmt.Fprintf(out, "  store backend:  %s\n", cfg.Store.Backend)
	fmt.Fprintf(out, "  command prefix: %q\n", cfg.Dispatcher.CommandPrefix)
	fmt.Fprintf(out, "  sessions:       %d telegram, %d discord\n",
		len(cfg.Sessions.Telegram), len(cfg.Sessions.Discord))

	for _, finding := range security.AuditFiles(configPath, cfg.DataDir) {
		fmt.Fprintf(out, "  %s: %s (%s)\n", finding.Severity, finding.Detail, finding.Remediation)
	}
	return nil
}

// runConfigSchema prints the JSON schema the config file is validated
// against, for editor integration.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}
