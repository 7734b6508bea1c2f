package bulk

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/NTWesley/docdb-bulk-executor/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	headerPartitionKeyRangeID = "x-ms-documentdb-partitionkeyrangeid"
	headerBatchContinueOnErr  = "x-ms-cosmos-batch-continue-on-error"
	headerIsBatchRequest      = "x-ms-cosmos-is-batch-request"
)

// rebatcher is the subset of Executor the dispatcher needs: a way to
// re-home an operation, optionally forcing a routing-map refresh first.
// Kept as a narrow interface so the dispatcher can be tested without a
// full Executor.
type rebatcher interface {
	rebatch(ctx context.Context, op *Operation, forceRoutingRefresh bool)
}

// Dispatcher turns one sealed batch into a single server request,
// parses the response, and fans each per-operation result back to its
// awaiter or into the retry pipeline (spec.md §4.3).
type Dispatcher struct {
	transport Transport
	targetLink string
	retry     retryPolicy
	metrics   *metrics
	log       *telemetry.Logger
	rebatcher rebatcher
	shutdown  context.Context
}

// NewDispatcher constructs a Dispatcher. shutdownCtx is cancelled on
// Executor shutdown and bounds every suspending call the dispatcher
// makes (permit acquire, transport, throttle waits).
func NewDispatcher(transport Transport, targetLink string, retry retryPolicy, m *metrics, rb rebatcher, shutdownCtx context.Context, log *telemetry.Logger) *Dispatcher {
	if log == nil {
		log = telemetry.NewNop()
	}
	return &Dispatcher{
		transport:  transport,
		targetLink: targetLink,
		retry:      retry,
		metrics:    m,
		rebatcher:  rb,
		shutdown:   shutdownCtx,
		log:        log.Named("dispatcher"),
	}
}

// Dispatch runs the full per-batch protocol from spec.md §4.3, guarded
// by rs.limiter. It is always invoked from a Streamer's own goroutine,
// never from the caller's Add.
func (d *Dispatcher) Dispatch(rs *rangeState, batch *Batch) {
	log := d.log.With(zap.String("rangeID", batch.RangeID), zap.Int("operations", len(batch.Operations)))

	if err := rs.limiter.Acquire(d.shutdown); err != nil {
		d.resolveAll(batch, OperationResult{}, newError(KindCancelled, batch.RangeID, err))
		return
	}
	defer rs.limiter.Release(1)

	body := concatBodies(batch.Operations)

	req := BatchRequest{
		TargetLink:   d.targetLink,
		ResourceType: ResourceTypeDocument,
		OpType:       TransportOperationBatch,
		RangeID:      batch.RangeID,
		Body:         body,
		Enrich: func(headers map[string]string) {
			headers[headerPartitionKeyRangeID] = batch.RangeID
			headers[headerBatchContinueOnErr] = "true"
			headers[headerIsBatchRequest] = "true"
		},
	}

	start := time.Now()
	resp, err := d.transport.ProcessBatchOperation(d.shutdown, req)
	elapsed := time.Since(start)

	if err != nil {
		log.Error("transport failure", zap.Error(err))
		d.resolveAll(batch, OperationResult{}, newError(KindTransportFailure, batch.RangeID, err))
		rs.counters.addBackendMillis(elapsed.Milliseconds())
		return
	}

	if len(resp.Results) != len(batch.Operations) {
		log.Error("protocol violation: result count mismatch", zap.Int("got", len(resp.Results)), zap.Int("want", len(batch.Operations)))
		d.resolveAll(batch, OperationResult{}, newError(KindProtocolViolation, batch.RangeID,
			fmt.Errorf("batch response had %d results, expected %d", len(resp.Results), len(batch.Operations))))
		return
	}

	rs.counters.addDocsServed(int64(len(batch.Operations)))
	rs.counters.addBackendMillis(elapsed.Milliseconds())

	var throttled int64
	for _, r := range resp.Results {
		if r.StatusCode == statusTooManyRequests {
			throttled++
		}
	}
	if throttled > 0 {
		rs.counters.addThrottled(throttled)
	}
	if d.metrics != nil {
		d.metrics.docsServed.WithLabelValues(batch.RangeID).Add(float64(len(batch.Operations)))
		d.metrics.backendMillis.WithLabelValues(batch.RangeID).Add(float64(elapsed.Milliseconds()))
		if throttled > 0 {
			d.metrics.throttled.WithLabelValues(batch.RangeID).Add(float64(throttled))
		}
	}

	d.distribute(batch, resp.Results)
}

// distribute fans each per-operation result back to its awaiter or into
// the retry pipeline, in parallel, fanning goroutines out and joining
// them with an errgroup rather than a raw WaitGroup with a
// manually-collected error slice.
func (d *Dispatcher) distribute(batch *Batch, results []OperationResult) {
	g, ctx := errgroup.WithContext(d.shutdown)
	for i, op := range batch.Operations {
		op, result := op, results[i]
		g.Go(func() error {
			d.resolveOne(ctx, batch.RangeID, op, result)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) resolveOne(ctx context.Context, rangeID string, op *Operation, result OperationResult) {
	if !IsRetryableStatus(result.StatusCode) {
		op.ctx.resolve(result, nil)
		return
	}

	decision, wait := d.retry.evaluate(op, result)
	switch decision {
	case decisionRebatch:
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				op.ctx.resolve(OperationResult{}, newError(KindCancelled, rangeID, ctx.Err()))
				return
			}
		}
		d.rebatcher.rebatch(ctx, op, false)
	case decisionRebatchAfterRouting:
		d.rebatcher.rebatch(ctx, op, true)
	default:
		kind := KindPerOpBusinessError
		switch {
		case result.StatusCode == statusTooManyRequests:
			kind = KindThrottled
		case result.StatusCode == statusGone && isRoutingStaleSubstatus(result.SubStatus):
			kind = KindRoutingStale
		}
		op.ctx.resolve(result, newError(kind, rangeID, nil).
			WithAttempts(attemptsMade(op)).WithStatus(result.StatusCode))
	}
}

// resolveAll delivers the same terminal error to every operation in
// batch, used for whole-batch transport/protocol failures.
func (d *Dispatcher) resolveAll(batch *Batch, result OperationResult, err error) {
	for _, op := range batch.Operations {
		op.ctx.resolve(result, err)
	}
}

func concatBodies(ops []*Operation) []byte {
	var buf bytes.Buffer
	for _, op := range ops {
		buf.Write(op.Body())
	}
	return buf.Bytes()
}
