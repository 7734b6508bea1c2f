package bulk

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PermitLimiter is the counted-permit primitive gating dispatcher
// concurrency for one partition range (spec.md §4.5). It is a thin,
// cancellable wrapper over golang.org/x/sync/semaphore.Weighted: Acquire
// always consumes exactly one permit on the hot path, while the
// congestion controller's multiplicative-decrease step acquires a block
// of permits at once to shrink concurrency without preempting in-flight
// dispatchers.
type PermitLimiter struct {
	sem       *semaphore.Weighted
	max       int64
	available int64 // atomic; mirrors semaphore state for lock-free stats reads
}

// NewPermitLimiter creates a limiter that starts with `initial` permits
// available out of a ceiling of `max`. Per spec.md §4.5 the engine's
// defaults are 5 and 60.
func NewPermitLimiter(initial, max int) *PermitLimiter {
	l := &PermitLimiter{sem: semaphore.NewWeighted(int64(max)), max: int64(max), available: int64(initial)}
	// semaphore.Weighted starts fully available; consume the gap
	// between max and the engine's desired initial permit count so the
	// limiter begins at `initial` rather than `max`.
	if gap := l.max - int64(initial); gap > 0 {
		_ = l.sem.Acquire(context.Background(), gap)
	}
	return l
}

// Acquire blocks until one permit is available or ctx is done.
func (l *PermitLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	atomic.AddInt64(&l.available, -1)
	return nil
}

// AcquireN blocks until n permits are available or ctx is done. The
// congestion controller uses this for multiplicative decrease: blocking
// here means new dispatches cannot start until enough in-flight work
// has released permits back, so concurrency drops as current batches
// drain rather than by cancelling them.
func (l *PermitLimiter) AcquireN(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := l.sem.Acquire(ctx, n); err != nil {
		return err
	}
	atomic.AddInt64(&l.available, -n)
	return nil
}

// Release returns n permits to the pool.
func (l *PermitLimiter) Release(n int64) {
	if n <= 0 {
		return
	}
	l.sem.Release(n)
	atomic.AddInt64(&l.available, n)
}

// Available returns a point-in-time, lock-free view of permits currently
// available, for Executor.Stats.
func (l *PermitLimiter) Available() int64 {
	return atomic.LoadInt64(&l.available)
}

// Max returns the limiter's permit ceiling.
func (l *PermitLimiter) Max() int64 { return l.max }
