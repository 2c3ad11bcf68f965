//go:build linux

package ioring

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// readSpins bounds busy polling in Read before blocking in the kernel.
const readSpins = 128

// CompletionQueue reads completions posted by the kernel.
// TryRead is safe for concurrent use. Read and ReadBatch assume a single
// reader and must not be mixed with TryRead.
type CompletionQueue struct {
	ring *Ring
	cq   *cqRing

	// shadow indices of the exclusive reader
	head uint32
	tail uint32
}

func newCompletionQueue(r *Ring) *CompletionQueue {
	return &CompletionQueue{
		ring: r,
		cq:   &r.cq,
		head: *r.cq.head,
		tail: *r.cq.head,
	}
}

func (q *CompletionQueue) Capacity() uint32 {
	return q.cq.entries
}

// Ready returns the number of completions available for reading.
func (q *CompletionQueue) Ready() uint32 {
	return atomic.LoadUint32(q.cq.tail) - atomic.LoadUint32(q.cq.head)
}

// TryRead copies out the next completion. ErrWouldBlock is returned when
// the queue is empty.
func (q *CompletionQueue) TryRead() (CQEntry, error) {
	sw := spin.Wait{}
	for {
		head := atomic.LoadUint32(q.cq.head)
		if head == atomic.LoadUint32(q.cq.tail) {
			return CQEntry{}, ErrWouldBlock
		}
		cqe := q.cq.cqes.get(head & q.cq.mask)
		if atomic.CompareAndSwapUint32(q.cq.head, head, head+1) {
			if overflow := atomic.LoadUint32(q.cq.overflow); overflow != 0 {
				return CQEntry{}, overflowError(errMetaOpRead, overflow)
			}
			return cqe, nil
		}
		sw.Once()
	}
}

// Read blocks until a completion is available.
func (q *CompletionQueue) Read() (CQEntry, error) {
	var buf [1]CQEntry
	if _, err := q.ReadBatch(buf[:]); err != nil {
		return CQEntry{}, err
	}
	return buf[0], nil
}

// ReadBatch blocks until at least one completion is available and copies up
// to len(buf) completions. The kernel head is published once per batch.
func (q *CompletionQueue) ReadBatch(buf []CQEntry) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	sw := spin.Wait{}
	spins := 0
	for q.head == q.tail {
		q.head = atomic.LoadUint32(q.cq.head)
		q.tail = atomic.LoadUint32(q.cq.tail)
		if q.head != q.tail {
			break
		}
		if err := q.poll(&sw, &spins); err != nil {
			return 0, err
		}
	}

	n := 0
	for ; q.head != q.tail && n < len(buf); n++ {
		buf[n] = q.cq.cqes.get(q.head & q.cq.mask)
		q.head++
	}
	atomic.StoreUint32(q.cq.head, q.head)
	if overflow := atomic.LoadUint32(q.cq.overflow); overflow != 0 {
		return n, overflowError(errMetaOpRead, overflow)
	}
	return n, nil
}

// poll makes progress on an empty queue. With IOPOLL completions appear only
// when the kernel is entered, otherwise spin for a while and then block.
func (q *CompletionQueue) poll(sw *spin.Wait, spins *int) error {
	switch {
	case q.ring.IOPolling(), q.cqOverflowPending():
		return q.wait(0)
	case *spins < readSpins:
		*spins++
		sw.Once()
		return nil
	default:
		return q.wait(1)
	}
}

// cqOverflowPending reports completions held back by the kernel, they are
// flushed into the ring by entering with GETEVENTS.
func (q *CompletionQueue) cqOverflowPending() bool {
	return atomic.LoadUint32(q.ring.sq.flags)&IORING_SQ_CQ_OVERFLOW > 0
}

// Wait blocks until at least n completions are available. It does not
// consume them.
func (q *CompletionQueue) Wait(n uint32) error {
	return q.wait(n)
}

func (q *CompletionQueue) wait(n uint32) error {
	if _, errno := q.ring.enter(0, n, IORING_ENTER_GETEVENTS); errno != 0 {
		return enterError(errno)
	}
	return nil
}
