package rate

import (
	"context"
	"sync"
	"time"
)

// Registry maps scope names to buckets. Buckets are created lazily on first
// use; the first caller's capacity/refill parameters win and later callers'
// parameters for the same name are ignored.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	clock   Clock
}

// NewRegistry creates an empty registry. A nil clock uses the wall clock.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = RealClock
	}
	return &Registry{
		buckets: make(map[string]*Bucket),
		clock:   clock,
	}
}

// Ensure returns the bucket for name, creating it if needed.
func (r *Registry) Ensure(name string, capacity, refillPerSec float64) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[name]
	if !ok {
		b = NewBucket(capacity, refillPerSec, r.clock)
		r.buckets[name] = b
	}
	return b
}

// Acquire blocks on the named bucket. See Bucket.Acquire.
func (r *Registry) Acquire(ctx context.Context, name string, cost float64, timeout time.Duration, capacity, refillPerSec float64) error {
	return r.Ensure(name, capacity, refillPerSec).Acquire(ctx, cost, timeout)
}

// TryAcquire is the non-blocking form of Acquire.
func (r *Registry) TryAcquire(name string, cost, capacity, refillPerSec float64) bool {
	return r.Ensure(name, capacity, refillPerSec).TryAcquire(cost)
}

// Names returns the registered scope names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		out = append(out, name)
	}
	return out
}
