// Package ratelimit implements the per-service token bucket half of spec.md
// §4.3. It is grounded in the teacher's pkg/ratelimit/adaptive_limiter.go
// structure (a map of per-entity state guarded by a mutex, entities created
// lazily on first use) but dropped down from that file's latency-adaptive
// RPS search to the fixed capacity/refill-rate contract §4.3 actually calls
// for — the spec wants Allow(service_id, n) -> (accepted, rejected) against
// a fixed bucket, not an adaptive one.
//
// golang.org/x/time/rate is not used directly here even though it is the
// pack's token-bucket primitive of choice: its AllowN/ReserveN surface
// reports only a boolean allow/deny per call, not the partial-acceptance
// split §4.3 requires ("accepted may be less than n if the bucket partially
// exhausted"). The bucket math below is the same lazy-refill technique
// x/time/rate itself uses internally, sized to return that split.
package ratelimit

import (
	"sync"
	"time"

	"excluster/internal/metrics"
)

// Config holds the fixed bucket parameters named in spec.md §6.
type Config struct {
	// Capacity is the bucket's burst size — the maximum tokens a service
	// can accumulate. Default 10,000 (spec.md §4.3).
	Capacity int

	// RefillPerMinute is the steady-state token refill rate. Default
	// 10,000 tokens/minute (spec.md §4.3).
	RefillPerMinute int
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.RefillPerMinute <= 0 {
		c.RefillPerMinute = 10000
	}
}

// Limiter is a process-local, per-service token bucket rate limiter (§4.3).
// Multi-process deployments partition traffic by service hash or accept
// coarser limits per replica — the limiter itself has no cross-process
// coordination, by design (§5 "process-local" requirement).
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New constructs a Limiter with the given fixed capacity/refill parameters.
func New(cfg Config) *Limiter {
	cfg.setDefaults()
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
	}
}

// Allow attempts to withdraw n tokens from serviceID's bucket, creating the
// bucket on first use. It returns the count accepted (which may be less than
// n if the bucket partially exhausted) and the count rejected — the two
// always sum to n, per §4.3's "Allow returns the count accepted ... and the
// count rejected" contract.
func (l *Limiter) Allow(serviceID string, n int) (accepted, rejected int) {
	if n <= 0 {
		return 0, 0
	}

	b := l.bucketFor(serviceID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		l.updateRemainingMetric(serviceID, b.tokens)
		return n, 0
	}

	accepted = int(b.tokens)
	b.tokens -= float64(accepted)
	rejected = n - accepted
	l.updateRemainingMetric(serviceID, b.tokens)
	return accepted, rejected
}

// Remaining reports the current token count for serviceID without consuming
// any, creating the bucket on first use. Used by the /ingest/metrics gauge.
func (l *Limiter) Remaining(serviceID string) float64 {
	b := l.bucketFor(serviceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (l *Limiter) updateRemainingMetric(serviceID string, tokens float64) {
	metrics.RateLimitRemaining.WithLabelValues(serviceID).Set(tokens)
}

// bucketFor is the only place that touches l.buckets; every other operation
// is keyed by the bucket's own mutex so concurrent producers for distinct
// services never contend on the same lock.
func (l *Limiter) bucketFor(serviceID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[serviceID]
	if !ok {
		b = &bucket{
			tokens:     float64(l.cfg.Capacity),
			capacity:   float64(l.cfg.Capacity),
			refillRate: float64(l.cfg.RefillPerMinute) / 60.0,
			lastRefill: time.Now(),
		}
		l.buckets[serviceID] = b
	}
	return b
}

// bucket is a single service's token bucket, refilled lazily on access.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
