// Package ratelimit throttles ingestion per credential.
//
// MemoryLimiter is a per-process token bucket. Replicas limit independently,
// so the effective cluster-wide rate is the per-replica rate times replicas.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "org:<uuid>:key:<key_id>").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// RetryAdvisor is implemented by limiters that can say when a denied key
// will next be allowed.
type RetryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
