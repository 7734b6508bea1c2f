package bulk

import (
	"sync"

	"github.com/google/uuid"
)

// OperationKind enumerates the document operation types a caller may submit.
type OperationKind int

const (
	OpCreate OperationKind = iota
	OpRead
	OpReplace
	OpUpsert
	OpDelete
	OpPatch
)

// PartitionKey is the routing key attached to an Operation. A
// PartitionKey with None set true is the explicit "no partition key"
// sentinel, distinct from a key that was simply never set.
type PartitionKey struct {
	Value string
	None  bool
}

// OperationOptions carries per-call request options. Per spec.md §4.1,
// the bulk path rejects any combination that needs per-request
// consistency, triggers, or session tokens.
type OperationOptions struct {
	ConsistencyLevel string
	PreTriggers      []string
	PostTriggers     []string
	SessionToken     string
}

// unsupported reports whether o uses a feature the bulk pipeline cannot
// carry through batching.
func (o OperationOptions) unsupported() bool {
	return o.ConsistencyLevel != "" || len(o.PreTriggers) > 0 || len(o.PostTriggers) > 0 || o.SessionToken != ""
}

// OperationResult is the outcome of a single operation once its batch
// response has been parsed.
type OperationResult struct {
	StatusCode    int
	SubStatus     int
	ResourceBody  []byte
	ETag          string
	RequestCharge float64
	RetryAfterMs  int64
}

// Success reports whether the result represents a 2xx completion.
func (r OperationResult) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Operation is a single caller-submitted unit of work. Per spec.md §3,
// an Operation is safe to place into batches sequentially (across
// retries) but never concurrently: it is single-owner from submission
// to resolution, and ownership transfers explicitly on rebatch.
type Operation struct {
	ID           string
	Kind         OperationKind
	PartitionKey PartitionKey
	Payload      interface{}
	Options      OperationOptions

	ctx *OperationContext

	materializeOnce sync.Once
	body            []byte
	materializeErr  error
}

// Serializer turns an Operation's payload into wire bytes. It is an
// external collaborator: this engine never knows the document schema.
type Serializer interface {
	Serialize(op *Operation) ([]byte, error)
}

// NewOperation constructs an Operation ready for submission to an
// Executor. A fresh, unattached OperationContext is created; Executor.Add
// attaches routing state to it.
func NewOperation(kind OperationKind, pk PartitionKey, payload interface{}, opts OperationOptions) *Operation {
	return &Operation{
		ID:           uuid.NewString(),
		Kind:         kind,
		PartitionKey: pk,
		Payload:      payload,
		Options:      opts,
		ctx:          newOperationContext(),
	}
}

// materialize serializes the operation's body exactly once. After this
// call, Body() length is final for the lifetime of the Operation, per
// the invariant in spec.md §3.
func (op *Operation) materialize(s Serializer) error {
	op.materializeOnce.Do(func() {
		op.body, op.materializeErr = s.Serialize(op)
	})
	return op.materializeErr
}

// Body returns the materialized wire body. It must only be called after
// a successful materialize.
func (op *Operation) Body() []byte { return op.body }

// Context returns the operation's routing/retry/result state.
func (op *Operation) Context() *OperationContext { return op.ctx }

// OperationContext holds the mutable, per-operation state that moves
// with an Operation across rebatches: which partition range it is
// currently homed to, how much retry budget remains, and the single-shot
// sink its result is delivered through.
//
// Invariant (spec.md §3): for any operation, exactly one of
// {completion, terminal error} occurs on the sink, and it occurs at
// most once. A second resolution attempt is a protocol-violation bug,
// not a recoverable condition, so it panics rather than being silently
// swallowed.
type OperationContext struct {
	mu           sync.Mutex
	rangeID      string
	retry        retryState
	resultCh     chan outcome
	resolved     bool
	cancelled    bool
	resolveGuard sync.Once
	done         chan struct{}
}

type outcome struct {
	result OperationResult
	err    error
}

func newOperationContext() *OperationContext {
	return &OperationContext{
		resultCh: make(chan outcome, 1),
		done:     make(chan struct{}),
	}
}

// RangeID returns the partition range id this operation is currently
// homed to.
func (c *OperationContext) RangeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rangeID
}

// setRangeID updates the operation's current partition range, called by
// the Executor on initial add and on every rebatch.
func (c *OperationContext) setRangeID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rangeID = id
}

// resolve delivers the operation's terminal result exactly once. A
// second call is a protocol violation: some code path resolved an
// operation's sink twice, which can only happen if a batch response was
// misattributed or an operation leaked into two concurrent batches. The
// one exception is an operation already resolved as Cancelled (a caller
// deadline or shutdown): the later result is dropped without a panic.
func (c *OperationContext) resolve(result OperationResult, err error) {
	if c.tryResolve(result, err) {
		return
	}
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	if !cancelled {
		panic("bulk: operation result sink resolved more than once")
	}
}

// tryResolve attempts the same single-shot resolution as resolve, but
// reports failure instead of panicking. It exists for the one legitimate
// race in the engine: a caller-supplied context deadline firing at the
// same moment a batch response arrives. Losing that race is expected, not
// a protocol violation.
func (c *OperationContext) tryResolve(result OperationResult, err error) bool {
	resolved := false
	c.resolveGuard.Do(func() {
		c.mu.Lock()
		c.resolved = true
		c.cancelled = KindOf(err) == KindCancelled
		c.mu.Unlock()
		c.resultCh <- outcome{result: result, err: err}
		close(c.done)
		resolved = true
	})
	return resolved
}

// doneChan closes once the operation has resolved, letting a watcher
// goroutine stop waiting on a context deadline without consuming the
// result meant for Wait's caller.
func (c *OperationContext) doneChan() <-chan struct{} { return c.done }

// Wait blocks until the operation's result is available.
func (c *OperationContext) Wait() (OperationResult, error) {
	o := <-c.resultCh
	return o.result, o.err
}

// resultChan returns a read-only channel that yields exactly one outcome
// when the operation resolves.
func (c *OperationContext) resultChan() <-chan outcome { return c.resultCh }
