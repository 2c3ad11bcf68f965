//go:build linux

package ioring

import (
	"sync/atomic"
)

// SubmissionQueue is the single-writer submission queue. Acquire and Flush
// must be called from one goroutine at a time.
type SubmissionQueue struct {
	ring *Ring
	sq   *sqRing

	// entries in [sqeHead, sqeTail) were acquired and not yet flushed
	sqeHead uint32
	sqeTail uint32
	// kernel dropped counter as of the last Flush
	dropped uint32
}

func newSubmissionQueue(r *Ring) *SubmissionQueue {
	return &SubmissionQueue{ring: r, sq: &r.sq, dropped: atomic.LoadUint32(r.sq.dropped)}
}

// TryAcquireSlot returns a zeroed entry, or false if every slot is either
// pending or still owned by the kernel.
func (q *SubmissionQueue) TryAcquireSlot() (*SQEntry, bool) {
	head := atomic.LoadUint32(q.sq.head)
	if q.sqeTail-head >= q.sq.entries {
		return nil, false
	}
	sqe := q.sq.sqes.clear(q.sqeTail & q.sq.mask)
	q.sqeTail++
	return sqe, true
}

// Pending returns the number of acquired entries that were not flushed.
func (q *SubmissionQueue) Pending() uint32 {
	return q.sqeTail - q.sqeHead
}

func (q *SubmissionQueue) Capacity() uint32 {
	return q.sq.entries
}

// Flush publishes acquired entries and notifies the kernel, waiting for
// minComplete completions. The kernel is not entered if the submission
// poller is awake and minComplete is zero, in that case the number of
// published entries is returned. ErrWouldBlock means the kernel is busy,
// published entries stay queued and will be submitted by the next Flush.
func (q *SubmissionQueue) Flush(minComplete uint32) (uint32, error) {
	flushed := q.sqeTail - q.sqeHead
	if flushed > 0 {
		ktail := *q.sq.tail
		for ; q.sqeHead != q.sqeTail; q.sqeHead++ {
			q.sq.array.set(ktail&q.sq.mask, q.sqeHead&q.sq.mask)
			ktail++
		}
		atomic.StoreUint32(q.sq.tail, ktail)
	}

	toSubmit := atomic.LoadUint32(q.sq.tail) - atomic.LoadUint32(q.sq.head)
	flags, enter := q.ring.enterFlags(toSubmit, minComplete)
	submitted := flushed
	if enter {
		n, errno := q.ring.enter(toSubmit, minComplete, flags)
		if errno != 0 {
			if isBusy(errno) {
				return 0, ErrWouldBlock
			}
			return 0, enterError(errno)
		}
		submitted = n
	}
	if dropped := atomic.LoadUint32(q.sq.dropped); dropped != q.dropped {
		count := dropped - q.dropped
		q.dropped = dropped
		return submitted, droppedError(count)
	}
	return submitted, nil
}
