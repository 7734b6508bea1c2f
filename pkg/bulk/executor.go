package bulk

import (
	"context"
	"fmt"
	"sync"

	"github.com/NTWesley/docdb-bulk-executor/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Executor is the top-level facade from spec.md §4.1: it resolves the
// target partition for each operation, lazily creates the per-range
// streamer, limiter, and congestion controller, and owns shutdown.
type Executor struct {
	opts       Options
	transport  Transport
	routing    RoutingResolver
	serializer Serializer
	timers     *TimerPool
	metrics    *metrics
	log        *telemetry.Logger
	retry      retryPolicy
	dispatcher *Dispatcher

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	rangesMu sync.RWMutex
	ranges   map[string]*rangeState

	disposeOnce sync.Once
}

// NewExecutor wires transport, routing, and serializer collaborators
// (spec.md §6) into a running Executor. reg may be nil to skip
// Prometheus registration entirely.
func NewExecutor(transport Transport, routing RoutingResolver, serializer Serializer, opts Options, reg prometheus.Registerer, log *telemetry.Logger) *Executor {
	if log == nil {
		log = telemetry.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Executor{
		opts:           opts,
		transport:      transport,
		routing:        routing,
		serializer:     serializer,
		timers:         NewTimerPool(opts.DispatchTimer),
		metrics:        newMetrics(reg),
		log:            log.Named("executor"),
		retry:          newRetryPolicy(opts),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		ranges:         make(map[string]*rangeState),
	}
	e.dispatcher = NewDispatcher(transport, routing.TargetLink(), e.retry, e.metrics, e, e.shutdownCtx, e.log)
	return e
}

// Add implements spec.md §4.1 steps 1-5. It returns an error synchronously
// only for InvalidUsage (unsupported options in step 1, or a serializer
// failure in step 2) and for a routing-resolution failure on the initial
// add (Cancelled if ctx is already done, RoutingStale otherwise); once the
// call succeeds, the outcome is delivered on op.Context().Wait().
func (e *Executor) Add(ctx context.Context, op *Operation) error {
	if op.Options.unsupported() {
		return newError(KindInvalidUsage, "", fmt.Errorf("bulk: consistency level overrides, triggers, and session tokens are not supported on bulk operations"))
	}
	if err := op.materialize(e.serializer); err != nil {
		return newError(KindInvalidUsage, "", err)
	}

	e.watchCancellation(ctx, op)

	rangeID, err := e.resolveRange(ctx, op, false)
	if err != nil {
		if ctx.Err() != nil {
			return newError(KindCancelled, "", ctx.Err())
		}
		return newError(KindRoutingStale, "", err)
	}
	e.submit(rangeID, op)
	return nil
}

// rebatch implements the rebatcher interface the Dispatcher depends on
// (spec.md §4.1 "rebatch(op)"): re-resolve the operation's range, forcing
// a routing-map refresh first if the caller is recovering from a
// RoutingStale signal, then resubmit. The operation's retry state is
// untouched here; it was already advanced by retryPolicy.evaluate before
// this was called.
func (e *Executor) rebatch(ctx context.Context, op *Operation, forceRoutingRefresh bool) {
	rangeID, err := e.resolveRange(ctx, op, forceRoutingRefresh)
	if err != nil {
		if ctx.Err() != nil {
			op.ctx.tryResolve(OperationResult{}, newError(KindCancelled, op.ctx.RangeID(), ctx.Err()).WithAttempts(attemptsMade(op)))
			return
		}
		op.ctx.tryResolve(OperationResult{}, newError(KindRoutingStale, op.ctx.RangeID(), err).WithAttempts(attemptsMade(op)))
		return
	}
	e.submit(rangeID, op)
}

// resolveRange translates op's partition key into a range id via the
// routing collaborator, per spec.md §4.1 step 3 and §6.
func (e *Executor) resolveRange(ctx context.Context, op *Operation, forceRefresh bool) (string, error) {
	def, err := e.routing.PartitionKeyDefinition(ctx)
	if err != nil {
		return "", err
	}
	rm, err := e.routing.RoutingMap(ctx, forceRefresh)
	if err != nil {
		return "", err
	}
	pk := op.PartitionKey
	if pk.None {
		v, err := e.routing.NonePartitionKeyValue(ctx)
		if err != nil {
			return "", err
		}
		pk = PartitionKey{Value: v}
	}
	return e.routing.RangeID(pk, def, rm)
}

// submit attaches op to rangeID's streamer, creating the range's state
// the first time it is seen.
func (e *Executor) submit(rangeID string, op *Operation) {
	op.ctx.setRangeID(rangeID)
	rs := e.getOrCreateRange(rangeID)
	rs.streamer.Add(op)
}

// getOrCreateRange implements the "build, try-insert, dispose-on-loss"
// idempotent construction pattern from spec.md §9: a racing loser
// disposes its duplicate and returns the winner instead of leaking a
// second streamer/controller for the same range.
func (e *Executor) getOrCreateRange(rangeID string) *rangeState {
	e.rangesMu.RLock()
	rs, ok := e.ranges[rangeID]
	e.rangesMu.RUnlock()
	if ok {
		return rs
	}

	candidate := e.buildRangeState(rangeID)

	e.rangesMu.Lock()
	if existing, ok := e.ranges[rangeID]; ok {
		e.rangesMu.Unlock()
		candidate.dispose()
		return existing
	}
	e.ranges[rangeID] = candidate
	e.rangesMu.Unlock()
	return candidate
}

func (e *Executor) buildRangeState(rangeID string) *rangeState {
	rs := &rangeState{
		rangeID:        rangeID,
		limiter:        NewPermitLimiter(e.opts.initialPermits, e.opts.maxPermits),
		counters:       &counters{},
		controllerStop: make(chan struct{}),
	}
	rs.streamer = NewStreamer(rangeID, e.opts, e.timers, func(b *Batch) {
		e.dispatcher.Dispatch(rs, b)
	}, e.log)

	controller := NewCongestionController(rs, int64(e.opts.initialPermits), int64(e.opts.initialAIF), int64(e.opts.maxPermits), e.log)
	go controller.Run(e.shutdownCtx)

	return rs
}

// dispose stops rs's congestion controller and drains its streamer. Used
// both for a losing create-or-get race (the candidate never saw a single
// operation) and for Executor-wide shutdown.
func (rs *rangeState) dispose() {
	close(rs.controllerStop)
	rs.streamer.Drain()
}

// watchCancellation resolves op with KindCancelled if ctx is done before
// op resolves on its own (SPEC_FULL.md §12, operation-level timeout). A
// context with no deadline or cancel (e.g. context.Background) has a nil
// Done channel, so this is a no-op for the common case.
func (e *Executor) watchCancellation(ctx context.Context, op *Operation) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			op.ctx.tryResolve(OperationResult{}, newError(KindCancelled, op.ctx.RangeID(), ctx.Err()))
		case <-op.ctx.doneChan():
		}
	}()
}

// Stats returns a point-in-time snapshot of every known range's counters,
// permit budget, and degree of concurrency (SPEC_FULL.md §12).
func (e *Executor) Stats() []RangeStats {
	e.rangesMu.RLock()
	defer e.rangesMu.RUnlock()

	stats := make([]RangeStats, 0, len(e.ranges))
	for id, rs := range e.ranges {
		stats = append(stats, RangeStats{
			RangeID:           id,
			DocsServed:        rs.counters.loadDocsServed(),
			Throttled:         rs.counters.loadThrottled(),
			CumulativeBackend: rs.counters.loadBackendMillis(),
			PermitsAvailable:  rs.limiter.Available(),
			DegreeOfConc:      rs.loadDop(),
		})
		if e.metrics != nil {
			e.metrics.permitsAvailable.WithLabelValues(id).Set(float64(rs.limiter.Available()))
			e.metrics.degreeOfConc.WithLabelValues(id).Set(float64(rs.loadDop()))
		}
	}
	return stats
}

// Dispose implements spec.md §4.1's shutdown contract: stop every
// congestion controller, force a final flush on every streamer so no
// pending operation is lost or leaked, and cancel the shared context so
// any dispatcher still awaiting a permit, a transport call, or a
// throttle-retry wait unblocks with Cancelled. Safe to call more than
// once; only the first call has effect.
func (e *Executor) Dispose() {
	e.disposeOnce.Do(func() {
		e.shutdownCancel()

		e.rangesMu.RLock()
		ranges := make([]*rangeState, 0, len(e.ranges))
		for _, rs := range e.ranges {
			ranges = append(ranges, rs)
		}
		e.rangesMu.RUnlock()

		for _, rs := range ranges {
			rs.dispose()
		}
		e.timers.Dispose()
	})
}
