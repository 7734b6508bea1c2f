package bulk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerPool_FiresAtOrAfterDeadline(t *testing.T) {
	p := NewTimerPool(time.Second)
	defer p.Dispose()

	start := time.Now()
	h := p.ScheduleIn(time.Second)

	select {
	case <-h.Fired():
		assert.True(t, time.Since(start) >= time.Second-50*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerPool_PastDeadlineFiresImmediately(t *testing.T) {
	p := NewTimerPool(time.Second)
	defer p.Dispose()

	h := p.Schedule(time.Now().Add(-time.Minute))

	select {
	case <-h.Fired():
	default:
		t.Fatal("handle with an elapsed deadline should already be fired")
	}
}

func TestTimerPool_CancelPreventsFire(t *testing.T) {
	p := NewTimerPool(time.Second)
	defer p.Dispose()

	h := p.ScheduleIn(2 * time.Second)
	h.Cancel()
	h.Cancel() // idempotent

	select {
	case <-h.Fired():
		t.Fatal("cancelled handle must never fire")
	case <-time.After(3 * time.Second):
	}
}

func TestTimerPool_ResolutionFloor(t *testing.T) {
	p := NewTimerPool(10 * time.Millisecond)
	defer p.Dispose()

	require.Equal(t, minResolution, p.resolution)
}

func TestTimerPool_DisposeStopsBackgroundGoroutine(t *testing.T) {
	p := NewTimerPool(time.Second)
	h := p.ScheduleIn(5 * time.Second)
	p.Dispose()

	select {
	case <-h.Fired():
		t.Fatal("a handle pending at Dispose must never fire")
	case <-time.After(50 * time.Millisecond):
	}
}
