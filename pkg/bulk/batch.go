package bulk

// Batch is an immutable, sealed ordered group of Operations bound to a
// single partition range, ready for the dispatcher. Every sealed batch
// has len(Batch) <= maxOps. bodyBytes(Batch) <= maxBodyBytes holds except
// for a batch of one operation whose body alone exceeds maxBodyBytes: the
// Streamer admits such an operation into an empty buffer and sends it
// alone.
type Batch struct {
	RangeID    string
	Operations []*Operation
	BodyBytes  int
}

// BatchBuffer accumulates operations for one partition range. It is not
// safe for unsynchronized concurrent use on its own; the Streamer that
// owns it serializes all admission through a single seal/swap critical
// section (spec.md §4.2).
type BatchBuffer struct {
	rangeID      string
	maxOps       int
	maxBodyBytes int

	ops       []*Operation
	bodyBytes int
}

func newBatchBuffer(rangeID string, maxOps, maxBodyBytes int) *BatchBuffer {
	return &BatchBuffer{rangeID: rangeID, maxOps: maxOps, maxBodyBytes: maxBodyBytes}
}

// canAdmit reports whether op can be appended without the buffer
// exceeding either size limit.
func (b *BatchBuffer) canAdmit(op *Operation) bool {
	if len(b.ops) >= b.maxOps {
		return false
	}
	return b.bodyBytes+len(op.Body()) <= b.maxBodyBytes
}

// empty reports whether the buffer holds no operations.
func (b *BatchBuffer) empty() bool { return len(b.ops) == 0 }

// admit appends op to the buffer without checking the limits. The
// Streamer calls it after canAdmit, or after sealing when canAdmit
// failed, so an empty buffer always takes the operation.
func (b *BatchBuffer) admit(op *Operation) {
	b.ops = append(b.ops, op)
	b.bodyBytes += len(op.Body())
}

// seal freezes the buffer's contents into a Batch. The buffer itself is
// discarded by the caller immediately after; seal does not reset state
// for reuse.
func (b *BatchBuffer) seal() *Batch {
	return &Batch{RangeID: b.rangeID, Operations: b.ops, BodyBytes: b.bodyBytes}
}
