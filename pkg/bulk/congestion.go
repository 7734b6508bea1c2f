package bulk

import (
	"context"
	"math"
	"time"

	"github.com/NTWesley/docdb-bulk-executor/pkg/telemetry"
	"go.uber.org/zap"
)

// maxWaitSecs caps the controller's observation window. spec.md §9 leaves
// waitSecs growing unboundedly and flags capping it as a deliberate
// deviation; 60 keeps a long-idle range from drifting to an
// effectively-never-advancing tick.
const maxWaitSecs = 60

// idlePoll is how long the controller sleeps between cumulative-backend-time
// checks when the tick has not yet elapsed (spec.md §4.5 step 1, "≈2ms").
const idlePoll = 2 * time.Millisecond

// CongestionController runs the per-range AIMD law from spec.md §4.5: a
// background loop, ticking on cumulative backend time rather than wall
// clock, that shrinks or grows rs.limiter's permit budget in response to
// observed throttle and completion counts.
type CongestionController struct {
	rs      *rangeState
	maxDop  int64
	log     *telemetry.Logger

	lastBackendSecs int64
	waitSecs        int64
	oldDocs         int64
	oldThrottle     int64
	dop             int64
	aif             int64
}

// NewCongestionController constructs a controller for rs. initialDop and
// aif seed the controller's view of the limiter's starting permit count and
// additive-increase factor (spec.md §4.5: 5 and 5).
func NewCongestionController(rs *rangeState, initialDop, aif int64, maxDop int64, log *telemetry.Logger) *CongestionController {
	if log == nil {
		log = telemetry.NewNop()
	}
	c := &CongestionController{
		rs:       rs,
		maxDop:   maxDop,
		log:      log.Named("congestion").With(zap.String("rangeID", rs.rangeID)),
		waitSecs: 1,
		dop:      initialDop,
		aif:      aif,
	}
	c.rs.storeDop(initialDop)
	return c
}

// Run executes the controller loop until ctx is done. Callers run this in
// its own goroutine; termination requires no permit-accounting cleanup
// because the limiter is disposed wholesale at Executor shutdown.
func (c *CongestionController) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.rs.controllerStop:
			return
		default:
		}

		currentBackendSecs := c.rs.counters.loadBackendMillis() / 1000
		if currentBackendSecs-c.lastBackendSecs < c.waitSecs {
			select {
			case <-ctx.Done():
				return
			case <-c.rs.controllerStop:
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		c.lastBackendSecs = currentBackendSecs
		if c.waitSecs < maxWaitSecs {
			c.waitSecs++
		}

		docs := c.rs.counters.loadDocsServed()
		throttle := c.rs.counters.loadThrottled()
		deltaDocs := docs - c.oldDocs
		deltaThrottle := throttle - c.oldThrottle
		c.oldDocs = docs
		c.oldThrottle = throttle

		switch {
		case deltaThrottle > 0:
			c.decrease(ctx, deltaThrottle)
		case deltaDocs > 0 && deltaThrottle == 0:
			c.increase()
		}
	}
}

// decrease is the multiplicative-decrease step. It blocks acquiring permits
// rather than cancelling in-flight dispatchers, so concurrency only drops as
// current work drains (spec.md §4.5 step 4).
func (c *CongestionController) decrease(ctx context.Context, deltaThrottle int64) {
	c.aif = 1

	decreaseFactor := 1.0 + 1000.0/math.Max(float64(deltaThrottle), 1000.0)
	decreaseCount := int64(math.Floor(float64(c.dop) / decreaseFactor))
	if decreaseCount <= 0 {
		return
	}

	c.log.Debug("decreasing concurrency", zap.Int64("decreaseCount", decreaseCount), zap.Int64("deltaThrottle", deltaThrottle))
	if err := c.rs.limiter.AcquireN(ctx, decreaseCount); err != nil {
		return
	}
	c.dop -= decreaseCount
	c.rs.storeDop(c.dop)
}

// increase is the additive-increase step (spec.md §4.5 step 5).
func (c *CongestionController) increase() {
	if c.dop+c.aif > c.maxDop {
		return
	}
	c.log.Debug("increasing concurrency", zap.Int64("aif", c.aif))
	c.rs.limiter.Release(c.aif)
	c.dop += c.aif
	c.rs.storeDop(c.dop)
}
