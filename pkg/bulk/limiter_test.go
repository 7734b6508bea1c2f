package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermitLimiter_StartsAtInitialNotMax(t *testing.T) {
	l := NewPermitLimiter(5, 60)
	assert.Equal(t, int64(5), l.Available())
	assert.Equal(t, int64(60), l.Max())
}

func TestPermitLimiter_AcquireReleaseRoundTrip(t *testing.T) {
	l := NewPermitLimiter(2, 10)

	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, int64(1), l.Available())

	l.Release(1)
	assert.Equal(t, int64(2), l.Available())
}

func TestPermitLimiter_AcquireBlocksPastAvailable(t *testing.T) {
	l := NewPermitLimiter(1, 10)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPermitLimiter_AcquireNForDecrease(t *testing.T) {
	l := NewPermitLimiter(10, 10)

	require.NoError(t, l.AcquireN(context.Background(), 4))
	assert.Equal(t, int64(6), l.Available())
}

func TestPermitLimiter_ConcurrentAcquireRelease(t *testing.T) {
	l := NewPermitLimiter(5, 5)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err == nil {
				l.Release(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), l.Available(), "every acquire was paired with a release")
}
