package session

import (
	"context"
	"fmt"
	"sync"
)

// Pool tracks the sessions attached to the runtime. Cross-session work
// is an explicit fan-out over the pool; nothing is implicitly mirrored
// between sessions.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]Session
	order    []string
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{sessions: make(map[string]Session)}
}

// Add registers a session. IDs must be unique.
func (p *Pool) Add(s Session) error {
	if s == nil {
		return fmt.Errorf("session is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sessions[s.ID()]; exists {
		return fmt.Errorf("session %q already attached", s.ID())
	}
	p.sessions[s.ID()] = s
	p.order = append(p.order, s.ID())
	return nil
}

// Remove detaches a session and returns it.
func (p *Pool) Remove(id string) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	delete(p.sessions, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return s, true
}

// Get looks a session up by id.
func (p *Pool) Get(id string) (Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// List returns the attached sessions in attach order.
func (p *Pool) List() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Session, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.sessions[id])
	}
	return out
}

// Len is the number of attached sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// FanoutResult is one session's outcome of a ForEach.
type FanoutResult struct {
	SessionID string
	Err       error
}

// ForEach runs fn against every attached session concurrently and
// collects per-session outcomes in attach order. A panicking fn is
// converted into that session's error; other sessions are unaffected.
func (p *Pool) ForEach(ctx context.Context, fn func(context.Context, Session) error) []FanoutResult {
	sessions := p.List()
	results := make([]FanoutResult, len(sessions))

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s Session) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = FanoutResult{SessionID: s.ID(), Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			results[i] = FanoutResult{SessionID: s.ID(), Err: fn(ctx, s)}
		}(i, s)
	}
	wg.Wait()

	return results
}
