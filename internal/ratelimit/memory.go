package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often idle buckets are looked for.
const sweepInterval = time.Minute

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a token bucket per credential key, held in process memory.
//
// A bucket idle long enough to have refilled completely carries no state a
// fresh bucket would not, so the sweeper drops it. Memory therefore tracks the
// number of recently active sensors, not every credential ever seen.
type MemoryLimiter struct {
	rate    float64
	burst   float64
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter returns a limiter allowing rate requests per second per
// key with bursts of up to burst. Close stops its sweeper goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(rate, burst, time.Now)
	go m.sweep()
	return m
}

func newMemoryLimiter(rate float64, burst int, now func() time.Time) *MemoryLimiter {
	idle := sweepInterval
	if rate > 0 {
		idle = max(idle, time.Duration(float64(burst)/rate*float64(time.Second)))
	}
	return &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		idleTTL: idle,
		now:     now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	}
	b.tokens = m.level(b, now)
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RetryAfter is how long until key holds a whole token. Unknown keys may
// proceed immediately.
func (m *MemoryLimiter) RetryAfter(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || m.rate <= 0 {
		return 0
	}
	missing := 1 - m.level(b, m.now())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / m.rate * float64(time.Second))
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// level is b's token count at now, capped at burst. m.mu must be held.
func (m *MemoryLimiter) level(b *bucket, now time.Time) float64 {
	return min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
