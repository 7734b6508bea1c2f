package bulk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSerializer struct {
	body []byte
	err  error
	n    int
}

func (s *fixedSerializer) Serialize(op *Operation) ([]byte, error) {
	s.n++
	return s.body, s.err
}

func TestOperation_MaterializeOnce(t *testing.T) {
	ser := &fixedSerializer{body: []byte("payload")}
	op := NewOperation(OpCreate, PartitionKey{Value: "pk"}, "doc", OperationOptions{})

	require.NoError(t, op.materialize(ser))
	require.NoError(t, op.materialize(ser))

	assert.Equal(t, 1, ser.n, "Serialize should run exactly once regardless of repeated materialize calls")
	assert.Equal(t, []byte("payload"), op.Body())
}

func TestOperation_MaterializeError(t *testing.T) {
	ser := &fixedSerializer{err: errors.New("boom")}
	op := NewOperation(OpCreate, PartitionKey{Value: "pk"}, "doc", OperationOptions{})

	err := op.materialize(ser)
	assert.EqualError(t, err, "boom")
}

func TestOperationOptions_Unsupported(t *testing.T) {
	cases := []struct {
		name string
		opts OperationOptions
		want bool
	}{
		{"empty", OperationOptions{}, false},
		{"consistency", OperationOptions{ConsistencyLevel: "Strong"}, true},
		{"pre-trigger", OperationOptions{PreTriggers: []string{"t1"}}, true},
		{"post-trigger", OperationOptions{PostTriggers: []string{"t1"}}, true},
		{"session-token", OperationOptions{SessionToken: "tok"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.opts.unsupported())
		})
	}
}

func TestOperationContext_ResolveExactlyOnce(t *testing.T) {
	op := NewOperation(OpRead, PartitionKey{Value: "pk"}, nil, OperationOptions{})

	op.Context().resolve(OperationResult{StatusCode: 200}, nil)

	result, err := op.Context().Wait()
	require.NoError(t, err)
	assert.True(t, result.Success())
}

func TestOperationContext_DoubleResolvePanics(t *testing.T) {
	op := NewOperation(OpRead, PartitionKey{Value: "pk"}, nil, OperationOptions{})
	op.Context().resolve(OperationResult{StatusCode: 200}, nil)

	assert.Panics(t, func() {
		op.Context().resolve(OperationResult{StatusCode: 200}, nil)
	})
}

func TestOperationContext_TryResolveAfterResolveIsNoop(t *testing.T) {
	op := NewOperation(OpRead, PartitionKey{Value: "pk"}, nil, OperationOptions{})
	op.Context().resolve(OperationResult{StatusCode: 200}, nil)

	assert.False(t, op.Context().tryResolve(OperationResult{}, errors.New("late cancel")))
}

func TestOperationResult_Success(t *testing.T) {
	assert.True(t, OperationResult{StatusCode: 201}.Success())
	assert.False(t, OperationResult{StatusCode: 429}.Success())
	assert.False(t, OperationResult{StatusCode: 500}.Success())
}
