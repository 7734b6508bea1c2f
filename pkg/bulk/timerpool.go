package bulk

import (
	"sync"
	"time"
)

// TimerHandle is a cancellable future that completes at or after a
// requested deadline. Cancel is idempotent.
type TimerHandle struct {
	pool     *TimerPool
	deadline time.Time
	fired    chan struct{}

	mu        sync.Mutex
	cancelled bool
	done      bool
}

// Fired returns a channel that is closed when the deadline elapses. If
// the handle is cancelled first, the channel is never closed.
func (h *TimerHandle) Fired() <-chan struct{} {
	return h.fired
}

// Cancel stops the handle from firing. Calling Cancel after the
// deadline has already elapsed, or calling it twice, is a no-op.
func (h *TimerHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.done {
		return
	}
	h.cancelled = true
	h.pool.remove(h)
}

// TimerPool is a coalescing source of one-shot deadlines at whole-second
// granularity. Every streamer in the engine shares one pool instead of
// running its own time.Timer, so thousands of concurrent batch buffers
// settle onto a handful of real timers (spec.md §4.6).
type TimerPool struct {
	resolution time.Duration

	mu      sync.Mutex
	handles map[*TimerHandle]struct{}
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
}

// minResolution is the floor the pool enforces regardless of what a
// caller requests: batching deadlines do not need sub-second precision,
// and anything finer defeats coalescing.
const minResolution = time.Second

// NewTimerPool starts a pool that ticks every resolution (clamped to
// minResolution) and fires any handle whose deadline has elapsed.
func NewTimerPool(resolution time.Duration) *TimerPool {
	if resolution < minResolution {
		resolution = minResolution
	}
	p := &TimerPool{
		resolution: resolution,
		handles:    make(map[*TimerHandle]struct{}),
		ticker:     time.NewTicker(resolution),
		stop:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *TimerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case now := <-p.ticker.C:
			p.tick(now)
		}
	}
}

func (p *TimerPool) tick(now time.Time) {
	p.mu.Lock()
	var fire []*TimerHandle
	for h := range p.handles {
		if !now.Before(h.deadline) {
			fire = append(fire, h)
			delete(p.handles, h)
		}
	}
	p.mu.Unlock()

	for _, h := range fire {
		h.mu.Lock()
		if !h.cancelled {
			h.done = true
			close(h.fired)
		}
		h.mu.Unlock()
	}
}

// Schedule returns a TimerHandle that fires at or after deadline.
func (p *TimerPool) Schedule(deadline time.Time) *TimerHandle {
	h := &TimerHandle{pool: p, deadline: deadline, fired: make(chan struct{})}

	p.mu.Lock()
	// Already elapsed: fire immediately without waiting for the next
	// tick, so a zero or past deadline behaves like "now".
	if !time.Now().Before(deadline) {
		p.mu.Unlock()
		h.done = true
		close(h.fired)
		return h
	}
	p.handles[h] = struct{}{}
	p.mu.Unlock()
	return h
}

// ScheduleIn is a convenience wrapper for Schedule(time.Now().Add(d)).
func (p *TimerPool) ScheduleIn(d time.Duration) *TimerHandle {
	return p.Schedule(time.Now().Add(d))
}

func (p *TimerPool) remove(h *TimerHandle) {
	p.mu.Lock()
	delete(p.handles, h)
	p.mu.Unlock()
}

// Dispose stops the pool's background goroutine. Any handle still
// pending never fires.
func (p *TimerPool) Dispose() {
	close(p.stop)
	p.ticker.Stop()
	p.wg.Wait()
}
