package bulk

import "sync/atomic"

// counters are the monotonically non-decreasing, concurrently-readable
// per-range counters from spec.md §3. Relaxed atomic reads are
// sufficient: the congestion controller's correctness is tolerant to a
// tick's delay (spec.md §9).
type counters struct {
	docsServed    int64
	throttled     int64
	backendMillis int64
}

func (c *counters) addDocsServed(n int64)    { atomic.AddInt64(&c.docsServed, n) }
func (c *counters) addThrottled(n int64)     { atomic.AddInt64(&c.throttled, n) }
func (c *counters) addBackendMillis(n int64) { atomic.AddInt64(&c.backendMillis, n) }

func (c *counters) loadDocsServed() int64    { return atomic.LoadInt64(&c.docsServed) }
func (c *counters) loadThrottled() int64     { return atomic.LoadInt64(&c.throttled) }
func (c *counters) loadBackendMillis() int64 { return atomic.LoadInt64(&c.backendMillis) }

// rangeState is everything the Executor keeps per partition range id:
// its streamer, its permit limiter, its counters, and a handle to stop
// its congestion controller on shutdown. Created lazily on first use of
// a range id and destroyed only at Executor shutdown (spec.md §3).
type rangeState struct {
	rangeID  string
	streamer *Streamer
	limiter  *PermitLimiter
	counters *counters

	controllerStop chan struct{}
	dopGauge       int64 // atomic; the congestion controller's current dop, for Stats
}

func (rs *rangeState) loadDop() int64   { return atomic.LoadInt64(&rs.dopGauge) }
func (rs *rangeState) storeDop(n int64) { atomic.StoreInt64(&rs.dopGauge, n) }

// RangeStats is a point-in-time, lock-free snapshot of one range's
// state, returned by Executor.Stats (SPEC_FULL.md §12).
type RangeStats struct {
	RangeID           string
	DocsServed        int64
	Throttled         int64
	CumulativeBackend int64
	PermitsAvailable  int64
	DegreeOfConc      int64
}
