// ============================================================================
// Market-Collector Rate Limiter - Token Bucket
// ============================================================================
//
// Package: internal/rate
// File: bucket.go
// Purpose: Per-scope token buckets limiting how often an exchange endpoint is hit
//
// Refill:
//   Tokens are refilled lazily on every call:
//     tokens = min(capacity, tokens + refill_per_sec * elapsed_seconds)
//   so 0 <= tokens <= capacity always holds.
//
// Blocking acquire:
//   Acquire sleeps in steps of at most 500ms until enough tokens exist.
//   timeout == 0 means wait forever; a positive timeout returns
//   ErrRateLimitTimeout once the deadline cannot be met.
//
// ============================================================================

package rate

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimitTimeout is returned when tokens cannot be acquired before the deadline.
var ErrRateLimitTimeout = errors.New("rate: rate limit timeout")

// maxSleepStep caps each wait so callers stay responsive to cancellation.
const maxSleepStep = 500 * time.Millisecond

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Bucket is a token bucket guarded by its own mutex.
type Bucket struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	last         time.Time
	clock        Clock
}

// NewBucket returns a full bucket.
func NewBucket(capacity, refillPerSec float64, clock Clock) *Bucket {
	if clock == nil {
		clock = RealClock
	}
	return &Bucket{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		last:         clock.Now(),
		clock:        clock,
	}
}

// refill must be called with b.mu held.
func (b *Bucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+b.refillPerSec*elapsed)
	b.last = now
}

// take refills and deducts cost if possible. When it cannot, it returns the
// estimated wait for the deficit.
func (b *Bucket) take(cost float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}
	need := (cost - b.tokens) / math.Max(1e-9, b.refillPerSec)
	wait := time.Duration(need * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait
}

// TryAcquire deducts cost without blocking. State is unchanged on failure.
func (b *Bucket) TryAcquire(cost float64) bool {
	ok, _ := b.take(cost)
	return ok
}

// Acquire blocks until cost tokens are deducted, ctx is done, or timeout
// elapses. A zero timeout waits without a deadline.
func (b *Bucket) Acquire(ctx context.Context, cost float64, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = b.clock.Now().Add(timeout)
	}

	for {
		ok, wait := b.take(cost)
		if ok {
			return nil
		}
		if !deadline.IsZero() && b.clock.Now().Add(wait).After(deadline) {
			return ErrRateLimitTimeout
		}
		if err := b.clock.Sleep(ctx, min(wait, maxSleepStep)); err != nil {
			return err
		}
	}
}

// Tokens returns the current token count after a lazy refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Capacity returns the bucket's capacity.
func (b *Bucket) Capacity() float64 { return b.capacity }
