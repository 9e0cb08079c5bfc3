// Package debounce coalesces bursts of activity into a single deferred
// action. The config store uses it to fold rapid Set calls into one flush
// of the whole document instead of one write per mutation.
package debounce

import (
	"sync"
	"time"
)

// Trigger runs an action once a quiet period has passed since the last
// Touch. Touching again before the delay elapses restarts the wait, so a
// burst of touches produces exactly one run after the burst ends.
type Trigger struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool

	delay time.Duration
	run   func()
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithDelay sets the quiet period. A non-positive delay makes every Touch
// run the action immediately.
func WithDelay(d time.Duration) Option {
	return func(t *Trigger) {
		if d < 0 {
			d = 0
		}
		t.delay = d
	}
}

// New creates a Trigger around run. The default delay is zero (run on
// every Touch) so callers must opt in to coalescing explicitly.
func New(run func(), opts ...Option) *Trigger {
	t := &Trigger{run: run}
	for _, opt := range opts {
		opt(t)
	}
	if t.run == nil {
		t.run = func() {}
	}
	return t
}

// Touch marks work pending and (re)starts the quiet-period timer.
func (t *Trigger) Touch() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	if t.delay <= 0 {
		t.pending = false
		t.mu.Unlock()
		t.run()
		return
	}

	t.pending = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.delay, t.fire)
	t.mu.Unlock()
}

// Flush runs the action now if work is pending, cancelling the timer.
// It is a no-op when nothing is pending.
func (t *Trigger) Flush() {
	t.fire()
}

func (t *Trigger) fire() {
	t.mu.Lock()
	if t.stopped || !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.run()
}

// Stop cancels any pending run and ignores further touches. Work that was
// pending is dropped; callers needing a final run call Flush first.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending reports whether a run is scheduled.
func (t *Trigger) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
