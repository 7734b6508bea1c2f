package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouting struct {
	mu         sync.Mutex
	target     string
	rangeOf    func(pk PartitionKey) string
	refreshes  int
	noneValue  string
}

func (r *fakeRouting) PartitionKeyDefinition(ctx context.Context) (PartitionKeyDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
func (r *fakeRouting) RoutingMap(ctx context.Context, forceRefresh bool) (RoutingMap, error) {
	if forceRefresh {
		r.mu.Lock()
		r.refreshes++
		r.mu.Unlock()
	}
	return struct{}{}, nil
}
func (r *fakeRouting) NonePartitionKeyValue(ctx context.Context) (string, error) {
	return r.noneValue, nil
}
func (r *fakeRouting) RangeID(pk PartitionKey, def PartitionKeyDefinition, rm RoutingMap) (string, error) {
	return r.rangeOf(pk), nil
}
func (r *fakeRouting) TargetLink() string { return r.target }

func (r *fakeRouting) refreshCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshes
}

func newHappyExecutor(t *testing.T, respond func(req BatchRequest) (*BatchResponse, error)) (*Executor, *fakeTransport, *fakeRouting) {
	t.Helper()
	transport := &fakeTransport{respond: respond}
	routing := &fakeRouting{target: "dbs/test/colls/test", rangeOf: func(PartitionKey) string { return "r1" }}
	opts := testOptions(100, time.Second)
	exec := NewExecutor(transport, routing, &fixedSerializer{body: []byte("x")}, opts, nil, nil)
	return exec, transport, routing
}

func TestExecutor_HappyPath(t *testing.T) {
	exec, _, _ := newHappyExecutor(t, func(req BatchRequest) (*BatchResponse, error) {
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	})
	defer exec.Dispose()

	op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
	require.NoError(t, exec.Add(context.Background(), op))

	result, err := op.Context().Wait()
	require.NoError(t, err)
	assert.True(t, result.Success())
}

func successResults(n int) []OperationResult {
	rs := make([]OperationResult, n)
	for i := range rs {
		rs[i] = OperationResult{StatusCode: 201}
	}
	return rs
}

func TestExecutor_RejectsUnsupportedOptions(t *testing.T) {
	exec, _, _ := newHappyExecutor(t, func(req BatchRequest) (*BatchResponse, error) {
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	})
	defer exec.Dispose()

	op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{SessionToken: "tok"})
	err := exec.Add(context.Background(), op)
	assert.Equal(t, KindInvalidUsage, KindOf(err))
}

func TestExecutor_AddSurfacesCancelledNotRoutingStaleWhenCtxDone(t *testing.T) {
	routing := &fakeRouting{
		target: "dbs/test/colls/test",
		rangeOf: func(PartitionKey) string {
			t.Fatal("RangeID should never be reached once the context is already done")
			return ""
		},
	}
	transport := &fakeTransport{respond: func(req BatchRequest) (*BatchResponse, error) {
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	}}
	opts := testOptions(100, time.Second)
	exec := NewExecutor(transport, routing, &fixedSerializer{body: []byte("x")}, opts, nil, nil)
	defer exec.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
	err := exec.Add(ctx, op)
	assert.Equal(t, KindCancelled, KindOf(err), "a routing failure caused by an already-cancelled context must surface as Cancelled, not RoutingStale")
}

func TestExecutor_FillBasedSealAcrossBatches(t *testing.T) {
	var mu sync.Mutex
	var dispatches int
	transport := &fakeTransport{respond: func(req BatchRequest) (*BatchResponse, error) {
		mu.Lock()
		dispatches++
		mu.Unlock()
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	}}
	routing := &fakeRouting{target: "dbs/test/colls/test", rangeOf: func(PartitionKey) string { return "r1" }}
	// dispatchTimer at the 1s floor: the last, under-full batch dispatches
	// on its deadline rather than needing a forced shutdown flush.
	opts := testOptions(100, time.Second)
	exec := NewExecutor(transport, routing, &fixedSerializer{body: []byte("x")}, opts, nil, nil)
	defer exec.Dispose()

	var ops []*Operation
	for i := 0; i < 250; i++ {
		op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
		require.NoError(t, exec.Add(context.Background(), op))
		ops = append(ops, op)
	}

	for _, op := range ops {
		result, err := op.Context().Wait()
		require.NoError(t, err)
		assert.True(t, result.Success())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, dispatches, "250 ops at maxOps=100 should dispatch as 100/100/50")
}

func TestExecutor_RoutingStaleReroutesToNewRange(t *testing.T) {
	var mu sync.Mutex
	attempt := 0
	routing := &fakeRouting{
		target: "dbs/test/colls/test",
		rangeOf: func(PartitionKey) string {
			mu.Lock()
			defer mu.Unlock()
			if attempt == 0 {
				return "r1"
			}
			return "r2"
		},
	}
	transport := &fakeTransport{respond: func(req BatchRequest) (*BatchResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if attempt == 0 {
			attempt++
			return &BatchResponse{Results: []OperationResult{{StatusCode: statusGone, SubStatus: SubstatusPartitionKeyRangeGone}}}, nil
		}
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	}}
	opts := testOptions(100, time.Second)
	exec := NewExecutor(transport, routing, &fixedSerializer{body: []byte("x")}, opts, nil, nil)
	defer exec.Dispose()

	op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
	require.NoError(t, exec.Add(context.Background(), op))

	result, err := op.Context().Wait()
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.GreaterOrEqual(t, routing.refreshCount(), 1, "a RoutingStale response must force a routing-map refresh")
}

func TestExecutor_ShutdownCancelsInFlightOperations(t *testing.T) {
	block := make(chan struct{})
	transport := &fakeTransport{respond: func(req BatchRequest) (*BatchResponse, error) {
		<-block
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	}}
	routing := &fakeRouting{target: "dbs/test/colls/test", rangeOf: func(PartitionKey) string { return "r1" }}
	opts := testOptions(1, time.Minute)
	exec := NewExecutor(transport, routing, &fixedSerializer{body: []byte("x")}, opts, nil, nil)

	op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
	require.NoError(t, exec.Add(context.Background(), op))

	// maxOps=1 means op alone fills its buffer without being sealed yet;
	// admitting a second op forces the fill-based seal that actually
	// dispatches op's batch, which then blocks in transport.
	second := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
	require.NoError(t, exec.Add(context.Background(), second))

	require.Eventually(t, func() bool { return transport.callCount() == 1 }, time.Second, 5*time.Millisecond)

	exec.Dispose()
	close(block)

	_, err := second.Context().Wait()
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestExecutor_Stats(t *testing.T) {
	exec, _, _ := newHappyExecutor(t, func(req BatchRequest) (*BatchResponse, error) {
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	})
	defer exec.Dispose()

	op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
	require.NoError(t, exec.Add(context.Background(), op))
	_, err := op.Context().Wait()
	require.NoError(t, err)

	stats := exec.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "r1", stats[0].RangeID)
	assert.Equal(t, int64(1), stats[0].DocsServed)
}

func TestExecutor_OperationLevelTimeoutCancelsBeforeDispatch(t *testing.T) {
	transport := &fakeTransport{respond: func(req BatchRequest) (*BatchResponse, error) {
		return &BatchResponse{Results: successResults(len(req.Body))}, nil
	}}
	routing := &fakeRouting{target: "dbs/test/colls/test", rangeOf: func(PartitionKey) string { return "r1" }}
	opts := testOptions(100, time.Minute)
	exec := NewExecutor(transport, routing, &fixedSerializer{body: []byte("x")}, opts, nil, nil)
	defer exec.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	op := NewOperation(OpCreate, PartitionKey{Value: "a"}, nil, OperationOptions{})
	require.NoError(t, exec.Add(ctx, op))

	_, err := op.Context().Wait()
	assert.Equal(t, KindCancelled, KindOf(err))
}
