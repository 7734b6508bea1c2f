package bulk

import (
	"time"
)

// retryState is the per-operation retry bookkeeping threaded through
// rebatches. It is never shared between operations (spec.md §4.4).
type retryState struct {
	rangeGoneAttempts int
	throttleAttempts  int
	throttleWaited    time.Duration
}

// retryPolicy composes the two retry layers from spec.md §4.4, evaluated
// outer (range-gone) then inner (throttle). It decides, for a single
// per-operation result, whether the dispatcher should rebatch the
// operation or hand the result to the caller.
type retryPolicy struct {
	maxRangeGoneAttempts int
	maxThrottleAttempts  int
	maxThrottleWait      time.Duration
}

func newRetryPolicy(opts Options) retryPolicy {
	return retryPolicy{
		maxRangeGoneAttempts: 3,
		maxThrottleAttempts:  opts.RetryOptions.MaxRetryAttemptsOnThrottledRequests,
		maxThrottleWait:      opts.RetryOptions.MaxRetryWaitTime,
	}
}

// decision is the outcome of consulting the retry policy for one
// per-operation result.
type decision int

const (
	decisionSurface decision = iota
	decisionRebatch
	decisionRebatchAfterRouting
)

// evaluate inspects result against op's retry state and returns what the
// dispatcher should do next. It mutates op's retry state in place: the
// state must not be read concurrently with this call, which holds
// because the dispatcher owns a sealed batch exclusively.
func (p retryPolicy) evaluate(op *Operation, result OperationResult) (decision, time.Duration) {
	state := &op.ctx.retry

	if result.StatusCode == statusGone && isRoutingStaleSubstatus(result.SubStatus) {
		if state.rangeGoneAttempts >= p.maxRangeGoneAttempts {
			return decisionSurface, 0
		}
		state.rangeGoneAttempts++
		return decisionRebatchAfterRouting, 0
	}

	if result.StatusCode == statusTooManyRequests {
		wait := time.Duration(result.RetryAfterMs) * time.Millisecond
		if state.throttleAttempts >= p.maxThrottleAttempts {
			return decisionSurface, 0
		}
		if p.maxThrottleWait > 0 && state.throttleWaited+wait > p.maxThrottleWait {
			return decisionSurface, 0
		}
		state.throttleAttempts++
		state.throttleWaited += wait
		return decisionRebatch, wait
	}

	return decisionSurface, 0
}

func isRoutingStaleSubstatus(sub int) bool {
	switch sub {
	case SubstatusPartitionKeyRangeGone, SubstatusCompletingSplit, SubstatusCompletingPartitionMigration:
		return true
	default:
		return false
	}
}

// attemptsMade reports total retry attempts consumed, for diagnostics
// attached to a terminal *Error (SPEC_FULL.md §12, retry-exhaustion
// observability).
func attemptsMade(op *Operation) int {
	return op.ctx.retry.rangeGoneAttempts + op.ctx.retry.throttleAttempts
}
