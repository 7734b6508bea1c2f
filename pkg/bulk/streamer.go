package bulk

import (
	"sync"

	"github.com/NTWesley/docdb-bulk-executor/pkg/telemetry"
	"go.uber.org/zap"
)

// dispatchFunc hands a sealed batch off to the dispatcher. The streamer
// invokes it in its own goroutine so Streamer.add never blocks waiting
// for a permit, transport I/O, or a response (spec.md §4.2, §5).
type dispatchFunc func(*Batch)

// Streamer owns one BatchBuffer for a single partition range plus the
// bookkeeping to seal it either when it fills or when its dispatch
// deadline fires. Per spec.md §4.2, fill-based and timer-based seals are
// made mutually exclusive by a single atomic seal+swap critical section,
// so two dispatchers never operate on overlapping operation lists.
type Streamer struct {
	rangeID  string
	opts     Options
	timers   *TimerPool
	dispatch dispatchFunc
	log      *telemetry.Logger

	mu     sync.Mutex
	buf    *BatchBuffer
	timer  *TimerHandle
	closed bool
}

// NewStreamer constructs a Streamer for rangeID. dispatch is invoked
// (asynchronously, by the streamer) once per sealed batch.
func NewStreamer(rangeID string, opts Options, timers *TimerPool, dispatch dispatchFunc, log *telemetry.Logger) *Streamer {
	if log == nil {
		log = telemetry.NewNop()
	}
	s := &Streamer{
		rangeID:  rangeID,
		opts:     opts,
		timers:   timers,
		dispatch: dispatch,
		log:      log.Named("streamer").With(zap.String("rangeID", rangeID)),
	}
	s.buf = newBatchBuffer(rangeID, opts.MaxServerRequestOperationCount, opts.MaxServerRequestBodyLength)
	return s
}

// Add admits op into the current buffer, sealing and swapping first if
// necessary. It never fails directly: transport and retry errors only
// ever manifest on the operation's own result future (spec.md §4.2).
func (s *Streamer) Add(op *Operation) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		op.ctx.resolve(OperationResult{}, newError(KindCancelled, s.rangeID, errShuttingDown))
		return
	}

	if !s.buf.canAdmit(op) {
		s.sealLocked()
	}

	wasEmpty := s.buf.empty()
	s.buf.admit(op)
	if wasEmpty {
		s.armTimerLocked()
	}

	s.mu.Unlock()
}

// sealLocked seals the current buffer (if non-empty), hands it to the
// dispatcher, and installs a fresh empty buffer. Callers must hold s.mu.
func (s *Streamer) sealLocked() {
	if s.timer != nil {
		s.timer.Cancel()
		s.timer = nil
	}
	if !s.buf.empty() {
		batch := s.buf.seal()
		s.log.Debug("sealing batch", zap.Int("operations", len(batch.Operations)), zap.Int("bodyBytes", batch.BodyBytes))
		go s.dispatch(batch)
	}
	s.buf = newBatchBuffer(s.rangeID, s.opts.MaxServerRequestOperationCount, s.opts.MaxServerRequestBodyLength)
}

// armTimerLocked schedules the dispatch deadline for a buffer that just
// received its first operation. Callers must hold s.mu.
func (s *Streamer) armTimerLocked() {
	h := s.timers.ScheduleIn(s.opts.DispatchTimer)
	s.timer = h
	go func() {
		<-h.Fired()
		s.onTimerFired(h)
	}()
}

// onTimerFired seals the buffer if h, the deadline that fired, is still
// the buffer's active deadline. A deadline cancelled by a fill-based seal
// never reaches here because TimerHandle.Fired never closes for a
// cancelled handle; one that fired but lost the lock to a fill-based seal
// finds s.timer changed and does nothing.
func (s *Streamer) onTimerFired(h *TimerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != h {
		return
	}
	s.timer = nil
	s.sealLocked()
}

// Drain forces a final flush of any pending operations and marks the
// streamer closed: further Add calls resolve immediately with
// KindCancelled instead of being buffered (spec.md §4.1, shutdown).
func (s *Streamer) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sealLocked()
	s.closed = true
}
