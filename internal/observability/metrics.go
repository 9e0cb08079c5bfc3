package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors. Create one per
// process with NewMetrics; every helper is safe on a nil receiver so
// tests can pass nil instead of wiring a registry.
type Metrics struct {
	// EventCounter counts inbound session events.
	// Labels: session, kind (message|edited|action)
	EventCounter *prometheus.CounterVec

	// CommandCounter counts finished command dispatches.
	// Labels: command, outcome (ok|failed|denied)
	CommandCounter *prometheus.CounterVec

	// DispatchDuration measures handler execution time in seconds.
	// Labels: command
	DispatchDuration *prometheus.HistogramVec

	// WatcherFailures counts watchers that errored or panicked.
	// Labels: module
	WatcherFailures *prometheus.CounterVec

	// StoreFlushes counts configuration document writes.
	// Labels: status (ok|error)
	StoreFlushes *prometheus.CounterVec

	// StoreFlushDuration measures document writes in seconds, retries
	// included.
	StoreFlushDuration prometheus.Histogram

	// ActiveSessions tracks currently attached sessions.
	// Labels: kind (telegram|discord|...)
	ActiveSessions *prometheus.GaugeVec

	// LoadedModules tracks installed modules per session.
	// Labels: session
	LoadedModules *prometheus.GaugeVec
}

// NewMetrics registers the collectors with the default registry. Call
// once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_total",
				Help: "Inbound session events by session and kind",
			},
			[]string{"session", "kind"},
		),

		CommandCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_commands_total",
				Help: "Finished command dispatches by command and outcome",
			},
			[]string{"command", "outcome"},
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_duration_seconds",
				Help:    "Command handler execution time in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"command"},
		),

		WatcherFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_watcher_failures_total",
				Help: "Watchers that returned an error or panicked, by module",
			},
			[]string{"module"},
		),

		StoreFlushes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_store_flushes_total",
				Help: "Configuration document writes by status",
			},
			[]string{"status"},
		),

		StoreFlushDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_store_flush_duration_seconds",
				Help:    "Configuration document write time in seconds, retries included",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Currently attached sessions by kind",
			},
			[]string{"kind"},
		),

		LoadedModules: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_loaded_modules",
				Help: "Installed modules by session",
			},
			[]string{"session"},
		),
	}
}

// EventReceived records one inbound event.
func (m *Metrics) EventReceived(session, kind string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(session, kind).Inc()
}

// CommandCompleted records a finished dispatch and its handler time.
func (m *Metrics) CommandCompleted(command, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandCounter.WithLabelValues(command, outcome).Inc()
	m.DispatchDuration.WithLabelValues(command).Observe(seconds)
}

// CommandDenied records a dispatch stopped by the security policy.
func (m *Metrics) CommandDenied(command string) {
	if m == nil {
		return
	}
	m.CommandCounter.WithLabelValues(command, "denied").Inc()
}

// WatcherFailed records a watcher error or panic.
func (m *Metrics) WatcherFailed(module string) {
	if m == nil {
		return
	}
	m.WatcherFailures.WithLabelValues(module).Inc()
}

// StoreFlushed records a document write.
func (m *Metrics) StoreFlushed(status string, seconds float64) {
	if m == nil {
		return
	}
	m.StoreFlushes.WithLabelValues(status).Inc()
	m.StoreFlushDuration.Observe(seconds)
}

// SessionStarted bumps the active session gauge.
func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(kind).Inc()
}

// SessionStopped drops the active session gauge.
func (m *Metrics) SessionStopped(kind string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(kind).Dec()
}

// ModulesLoaded sets the installed module count for a session.
func (m *Metrics) ModulesLoaded(session string, count int) {
	if m == nil {
		return
	}
	m.LoadedModules.WithLabelValues(session).Set(float64(count))
}
