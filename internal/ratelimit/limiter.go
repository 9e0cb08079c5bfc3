// Package ratelimit throttles outbound platform calls. A token bucket
// per key lets bursts through and then settles to a steady rate, so one
// chatty conversation cannot push the whole session over the platform
// limit.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy shapes a bucket: sustained tokens per second and burst
// capacity. The zero value normalizes to one per second with a small
// burst.
type Policy struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

func (p Policy) normalized() Policy {
	if p.PerSecond <= 0 {
		p.PerSecond = 1
	}
	if p.Burst <= 0 {
		p.Burst = max(1, int(p.PerSecond*2))
	}
	return p
}

// Bucket is a single token bucket.
type Bucket struct {
	mu     sync.Mutex
	tokens float64
	max    float64
	rate   float64
	last   time.Time
}

func NewBucket(p Policy) *Bucket {
	p = p.normalized()
	return &Bucket{
		tokens: float64(p.Burst),
		max:    float64(p.Burst),
		rate:   p.PerSecond,
		last:   time.Now(),
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is consumed or the context ends.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		if b.Allow() {
			return nil
		}
		timer := time.NewTimer(b.nextToken())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill credits tokens for the time since the last call. Callers hold
// the lock.
func (b *Bucket) refill() {
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.last = now
}

// nextToken estimates the wait until a token becomes available.
func (b *Bucket) nextToken() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	need := 1 - b.tokens
	return time.Duration(need / b.rate * float64(time.Second))
}

// Keyed maintains one bucket per key, pruning idle buckets under
// pressure so the map cannot grow without bound.
type Keyed struct {
	policy  Policy
	maxKeys int

	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewKeyed(p Policy) *Keyed {
	return &Keyed{
		policy:  p.normalized(),
		maxKeys: 4096,
		buckets: map[string]*Bucket{},
	}
}

// Wait blocks until key's bucket yields a token or the context ends.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.bucket(key).Wait(ctx)
}

// Allow consumes a token from key's bucket if one is available.
func (k *Keyed) Allow(key string) bool {
	return k.bucket(key).Allow()
}

func (k *Keyed) bucket(key string) *Bucket {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok := k.buckets[key]; ok {
		return b
	}
	if len(k.buckets) >= k.maxKeys {
		k.prune()
	}
	b := NewBucket(k.policy)
	k.buckets[key] = b
	return b
}

// prune drops buckets that have refilled to near capacity. An idle key
// holds no state worth keeping; recreating it starts at full burst
// anyway.
func (k *Keyed) prune() {
	for key, b := range k.buckets {
		b.mu.Lock()
		b.refill()
		idle := b.tokens >= b.max*0.9
		b.mu.Unlock()
		if idle {
			delete(k.buckets, key)
		}
	}
}
