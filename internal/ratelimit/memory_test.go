package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rate float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

// fakeClock is advanced by hand so refill arithmetic is exact.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter(rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return newMemoryLimiter(rate, burst, clock.now), clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newClockedLimiter(10, 3)
	ctx := context.Background()
	for i := range 3 {
		ok, err := m.Allow(ctx, "drone-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within burst", i)
	}
	ok, err := m.Allow(ctx, "drone-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 100*time.Millisecond, m.RetryAfter("drone-1"))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newClockedLimiter(2, 1)
	ctx := context.Background()
	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k")
	require.False(t, ok)

	clock.advance(250 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.False(t, ok, "half a token is not enough")
	assert.Equal(t, 250*time.Millisecond, m.RetryAfter("k"))

	clock.advance(250 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, clock := newClockedLimiter(10, 2)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "k")
	clock.advance(time.Hour)

	allowed := 0
	for range 5 {
		if ok, _ := m.Allow(ctx, "k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newClockedLimiter(1, 1)
	ctx := context.Background()
	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)
	assert.Zero(t, m.RetryAfter("unknown"))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := newLimiter(t, 0.001, 50)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 200 {
		wg.Go(func() {
			if ok, _ := m.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvictIdle(t *testing.T) {
	// 100 tokens at 1/s: a bucket is full again after 100s, so the idle
	// TTL is the 100s refill time rather than the one-minute floor.
	m, clock := newClockedLimiter(1, 100)
	assert.Equal(t, 100*time.Second, m.idleTTL)

	_, _ = m.Allow(context.Background(), "old")
	clock.advance(90 * time.Second)
	_, _ = m.Allow(context.Background(), "fresh")

	clock.advance(20 * time.Second)
	m.evictIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "fresh")
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
