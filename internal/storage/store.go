package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/debounce"
	"github.com/haasonsaas/relay/internal/observability"
)

// StoreConfig tunes the flush pipeline.
type StoreConfig struct {
	// FlushDelay is the quiet period after a mutation before the
	// document is written out. Bursts of Set calls produce one write.
	FlushDelay time.Duration `yaml:"flush_delay"`
	// FlushTimeout bounds a single background flush including retries.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// FlushAttempts is how many times a failing write is tried.
	FlushAttempts int `yaml:"flush_attempts"`
	// RetryPolicy shapes the delay between attempts.
	RetryPolicy backoff.Policy `yaml:"-"`
}

// Validate applies defaults.
func (c *StoreConfig) Validate() error {
	if c.FlushDelay <= 0 {
		c.FlushDelay = time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Minute
	}
	if c.FlushAttempts <= 0 {
		c.FlushAttempts = 5
	}
	if c.RetryPolicy == (backoff.Policy{}) {
		c.RetryPolicy = backoff.Flush()
	}
	return nil
}

// Store is the in-memory face of one session's configuration document.
// Reads never touch the backend; writes mutate memory immediately and
// schedule a debounced flush of the whole document. A failed flush keeps
// the document in memory, so readers observe their writes regardless of
// backend health.
type Store struct {
	backend Backend
	cfg     StoreConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu  sync.RWMutex
	doc Document

	flushMu sync.Mutex // one writer to the backend at a time
	trigger *debounce.Trigger

	closeMu sync.Mutex
	closed  bool
}

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("store is closed")

// New creates a Store over backend. Call Init before first use.
func New(backend Backend, cfg StoreConfig, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "storage"),
		metrics: metrics,
		doc:     make(Document),
	}
	s.trigger = debounce.New(s.flushBackground, debounce.WithDelay(cfg.FlushDelay))
	return s, nil
}

// Init loads the document from the backend. An absent document starts
// empty; a corrupt one starts empty with a warning. Only transport
// failures propagate, so bad stored state can never take the runtime
// down.
func (s *Store) Init(ctx context.Context) error {
	data, err := s.backend.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoDocument):
		s.logger.Info("no stored configuration, starting empty")
		data = nil
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("stored configuration is corrupt, starting empty", "error", err)
		data = nil
	default:
		return fmt.Errorf("load configuration: %w", err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		// The backend returned bytes it considered sound but they do
		// not decode. Same policy: warn and start over.
		s.logger.Warn("stored configuration does not decode, starting empty", "error", err)
		doc = make(Document)
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	s.logger.Info("configuration loaded", "namespaces", len(doc))
	return nil
}

// Get returns the value at (namespace, key), or def when absent. Reads
// are purely in-memory.
func (s *Store) Get(namespace, key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.doc.Get(namespace, key); ok {
		return v
	}
	return def
}

// GetString is Get constrained to strings; non-strings yield def.
func (s *Store) GetString(namespace, key, def string) string {
	if v, ok := s.Get(namespace, key, def).(string); ok {
		return v
	}
	return def
}

// GetBool is Get constrained to booleans; non-booleans yield def.
func (s *Store) GetBool(namespace, key string, def bool) bool {
	if v, ok := s.Get(namespace, key, def).(bool); ok {
		return v
	}
	return def
}

// GetInt is Get constrained to integers. Values reloaded from JSON come
// back as float64 and are accepted when integral.
func (s *Store) GetInt(namespace, key string, def int) int {
	switch v := s.Get(namespace, key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Set stores value at (namespace, key) and schedules a flush. The value
// must survive JSON marshaling; anything else is rejected before the
// document is touched.
func (s *Store) Set(namespace, key string, value any) error {
	if namespace == "" || key == "" {
		return fmt.Errorf("namespace and key are required")
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Errorf("value for %s/%s is not serializable: %w", namespace, key, err)
	}

	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return ErrClosed
	}
	s.closeMu.Unlock()

	s.mu.Lock()
	s.doc.Set(namespace, key, value)
	s.mu.Unlock()

	s.trigger.Touch()
	return nil
}

// Delete removes (namespace, key) and schedules a flush. Deleting an
// absent key is a no-op that still counts as a mutation.
func (s *Store) Delete(namespace, key string) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return ErrClosed
	}
	s.closeMu.Unlock()

	s.mu.Lock()
	s.doc.Delete(namespace, key)
	s.mu.Unlock()

	s.trigger.Touch()
	return nil
}

// Namespaces returns the sorted namespace names present in the document.
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.doc))
	for ns := range s.doc {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Keys returns the sorted keys of one namespace.
func (s *Store) Keys(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.doc[namespace]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ns))
	for k := range ns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Flush writes the document out now, with retries. Callers needing
// durability before a risky operation use this instead of waiting for
// the debounce.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushLocked(ctx)
}

// Close stops the flush scheduler, performs a final flush, and closes
// the backend. Mutations after Close return ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.trigger.Stop()

	flushErr := s.Flush(ctx)
	closeErr := s.backend.Close()
	if flushErr != nil {
		return fmt.Errorf("final flush: %w", flushErr)
	}
	return closeErr
}

// flushBackground runs from the debounce timer.
func (s *Store) flushBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	// Outcome already logged; the document stays in memory and the next
	// mutation schedules another attempt.
	_ = s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) error {
	start := time.Now()

	err := backoff.Retry(ctx, s.cfg.RetryPolicy, s.cfg.FlushAttempts, func(attempt int) error {
		if attempt > 1 {
			s.logger.Warn("retrying configuration flush", "attempt", attempt)
		}
		s.mu.RLock()
		data, merr := s.doc.Marshal()
		s.mu.RUnlock()
		if merr != nil {
			return merr
		}
		return s.backend.Store(ctx, data)
	})

	elapsed := time.Since(start)
	if err != nil {
		s.metrics.StoreFlushed("error", elapsed.Seconds())
		s.logger.Error("configuration flush failed, document retained in memory",
			"attempts", s.cfg.FlushAttempts,
			"elapsed", elapsed,
			"error", err)
		return err
	}

	s.metrics.StoreFlushed("ok", elapsed.Seconds())
	s.logger.Debug("configuration flushed", "elapsed", elapsed)
	return nil
}
