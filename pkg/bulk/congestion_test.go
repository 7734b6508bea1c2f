package bulk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCongestionController_DecreaseOnThrottle(t *testing.T) {
	rs := newTestRangeState("r1")
	rs.limiter = NewPermitLimiter(20, 60)
	c := NewCongestionController(rs, 20, 5, 60, nil)

	rs.counters.addDocsServed(10)
	rs.counters.addThrottled(5000)
	rs.counters.addBackendMillis(2000)

	c.decrease(context.Background(), 5000)

	assert.Less(t, c.dop, int64(20), "dop must shrink after a decrease event")
	assert.Equal(t, int64(1), c.aif, "aif permanently drops to 1 after the first decrease")
}

func TestCongestionController_IncreaseWhenDocsProgressAndNoThrottle(t *testing.T) {
	rs := newTestRangeState("r1")
	c := NewCongestionController(rs, 5, 5, 60, nil)

	before := rs.limiter.Available()
	c.increase()

	assert.Equal(t, int64(10), c.dop)
	assert.Equal(t, before+5, rs.limiter.Available())
}

func TestCongestionController_IncreaseStopsAtMaxDop(t *testing.T) {
	rs := newTestRangeState("r1")
	c := NewCongestionController(rs, 58, 5, 60, nil)

	c.increase()

	assert.Equal(t, int64(58), c.dop, "58+5 exceeds maxDop=60, so the increase must not apply")
}

func TestCongestionController_RunRespectsShutdown(t *testing.T) {
	rs := newTestRangeState("r1")
	c := NewCongestionController(rs, 5, 5, 60, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller did not exit after context cancellation")
	}
}

func TestCongestionController_RunRespectsControllerStop(t *testing.T) {
	rs := newTestRangeState("r1")
	c := NewCongestionController(rs, 5, 5, 60, nil)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	close(rs.controllerStop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller did not exit after controllerStop was closed")
	}
}

func TestCongestionController_DopGaugeTracksStats(t *testing.T) {
	rs := newTestRangeState("r1")
	c := NewCongestionController(rs, 5, 5, 60, nil)
	require.Equal(t, int64(5), rs.loadDop())

	c.increase()
	assert.Equal(t, int64(10), rs.loadDop())
}
