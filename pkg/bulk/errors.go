package bulk

import (
	"errors"
	"fmt"
)

// Kind classifies an error produced by the bulk execution engine. It is
// the tagged-variant alternative to a type hierarchy: callers branch on
// Kind rather than on concrete error types.
type Kind int

const (
	// KindUnknown is never carried by an *Error this package builds; KindOf
	// returns it for an error that is not a *Error. It guards against a
	// zero-value Kind being mistaken for a real classification.
	KindUnknown Kind = iota
	// KindInvalidUsage covers unsupported option combinations or
	// malformed operation input, surfaced synchronously on add.
	KindInvalidUsage
	// KindRoutingStale covers a server-reported partition split, merge,
	// or otherwise stale routing entry.
	KindRoutingStale
	// KindThrottled covers a 429 response from the server.
	KindThrottled
	// KindPerOpBusinessError covers a 410 result whose substatus is not a
	// routing-staleness signal. Other non-2xx statuses outside the retry
	// pipeline are delivered as the OperationResult itself, with a nil
	// error.
	KindPerOpBusinessError
	// KindTransportFailure covers a whole-batch transport error
	// (connection failure, response parse error below the protocol
	// level).
	KindTransportFailure
	// KindCancelled covers caller- or shutdown-initiated cancellation.
	KindCancelled
	// KindProtocolViolation covers a fatal, internal inconsistency such
	// as a batch response whose result count does not match the
	// request.
	KindProtocolViolation
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindInvalidUsage:
		return "InvalidUsage"
	case KindRoutingStale:
		return "RoutingStale"
	case KindThrottled:
		return "Throttled"
	case KindPerOpBusinessError:
		return "PerOpBusinessError"
	case KindTransportFailure:
		return "TransportFailure"
	case KindCancelled:
		return "Cancelled"
	case KindProtocolViolation:
		return "ProtocolViolation"
	default:
		return "Unknown"
	}
}

// Error is the error type returned on every operation's result future
// and from Executor.Add for synchronous failures. It carries enough
// structured context (Kind, the partition range involved, retry
// attempts made) for a caller or log line to act on without parsing a
// message string.
type Error struct {
	Kind     Kind
	RangeID  string
	Attempts int
	Status   int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bulk: %s (range=%s attempts=%d status=%d): %v", e.Kind, e.RangeID, e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("bulk: %s (range=%s attempts=%d status=%d)", e.Kind, e.RangeID, e.Attempts, e.Status)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error, defaulting Attempts/Status when unset.
func newError(kind Kind, rangeID string, cause error) *Error {
	return &Error{Kind: kind, RangeID: rangeID, Err: cause}
}

// WithAttempts returns a copy of e with Attempts set, used when a retry
// budget is exhausted and the caller should see how many tries were
// made.
func (e *Error) WithAttempts(n int) *Error {
	cp := *e
	cp.Attempts = n
	return &cp
}

// WithStatus returns a copy of e with the server status code attached.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and
// KindUnknown otherwise.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsRetryableStatus reports whether a per-operation HTTP-like status
// code is one the retry pipeline (not the caller) should handle.
func IsRetryableStatus(status int) bool {
	switch status {
	case statusTooManyRequests, statusGone:
		return true
	default:
		return false
	}
}

const (
	statusTooManyRequests = 429
	statusGone            = 410
)

// Gone substatus codes carried on a 410 response that indicate routing
// staleness rather than a genuine "resource gone".
const (
	SubstatusPartitionKeyRangeGone        = 1002
	SubstatusCompletingSplit              = 1007
	SubstatusCompletingPartitionMigration = 1008
)

var errShuttingDown = errors.New("bulk: executor is shutting down")
