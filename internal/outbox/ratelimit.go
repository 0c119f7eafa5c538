package outbox

import (
	"sync"
	"time"
)

// MirrorLimiter throttles optional mirror comments per run with a token
// bucket: one token per MinInterval, up to Burst tokens banked. Priority
// writes never consult it.
type MirrorLimiter struct {
	minInterval time.Duration
	burst       float64

	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewMirrorLimiter creates a per-run limiter.
func NewMirrorLimiter(minInterval time.Duration, burst int) *MirrorLimiter {
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &MirrorLimiter{
		minInterval: minInterval,
		burst:       float64(burst),
		buckets:     make(map[string]*bucket),
		now:         time.Now,
	}
}

// Allow consumes one token for the run when available.
func (l *MirrorLimiter) Allow(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[runID]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[runID] = b
	}

	refill := now.Sub(b.last).Seconds() / l.minInterval.Seconds()
	b.tokens += refill
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Seed pre-charges a run's bucket from its last observed comment time, so a
// restart does not grant a fresh burst.
func (l *MirrorLimiter) Seed(runID string, lastComment time.Time) {
	if lastComment.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tokens := now.Sub(lastComment).Seconds() / l.minInterval.Seconds()
	if tokens > l.burst {
		tokens = l.burst
	}
	if tokens < 0 {
		tokens = 0
	}
	l.buckets[runID] = &bucket{tokens: tokens, last: now}
}

// Forget drops a run's bucket, typically when the run reaches a terminal
// phase.
func (l *MirrorLimiter) Forget(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, runID)
}
