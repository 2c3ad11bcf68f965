//go:build linux

package loop

import (
	"sync"

	"code.hybscloud.com/iox"
	"github.com/brickingsoft/errors"

	"github.com/dshulyak/ioring"
	"github.com/dshulyak/ioring/future"
	"github.com/dshulyak/ioring/internal/logging"
)

var (
	// ErrClosed returned if queue was closed.
	ErrClosed = errors.Define("loop: closed")
	// ErrBatchTooLarge returned if a batch does not fit into the submission queue.
	ErrBatchTooLarge = errors.Define("loop: batch is larger than the submission queue")
)

// closed is a bit set in sqe user data to notify the completion loop that
// the ring is being closed. Future handles never have it set.
const closed uint64 = 1 << 63

type SQOperation func(sqe *ioring.SQEntry)

func newQueue(ring *ioring.Ring, owned bool, qp *Params, log *logging.Logger) *queue {
	return &queue{
		ring:    ring,
		owned:   owned,
		sq:      ring.ConcurrentSQ(),
		cq:      ring.CQ(),
		futures: future.NewPool[ioring.CQEntry](int(ring.CQCapacity()), qp.Scheduler),
		wait:    qp.WaitMethod,
		log:     log.WithRing(ring.Fd()),
	}
}

// queue provides thread safe access to ioring.Ring instance.
// Submitters acquire slots concurrently, the completion loop resolves
// futures by the handle stored in the user data.
type queue struct {
	ring  *ioring.Ring
	owned bool
	sq    *ioring.ConcurrentSubmissionQueue
	cq    *ioring.CompletionQueue

	// futures is as large as completion queue, so that every inflight
	// operation has a place for its completion.
	futures *future.Pool[ioring.CQEntry]

	wait uint

	batchMu sync.Mutex

	// read lock is held by submitters, Close takes write lock to wait for them
	mu     sync.RWMutex
	closed bool

	wg  sync.WaitGroup
	log *logging.Logger
}

func (q *queue) Ring() *ioring.Ring {
	return q.ring
}

func (q *queue) startCompletionLoop() {
	q.wg.Add(1)
	go q.completionLoop()
}

func (q *queue) completionLoop() {
	defer q.wg.Done()
	backoff := iox.Backoff{}
	for {
		open, reaped := q.drain()
		if !open {
			q.log.Debug("completion loop stopped")
			return
		}
		if reaped > 0 {
			backoff.Reset()
			continue
		}
		if err := q.idle(&backoff); err != nil {
			panic(err)
		}
	}
}

// idle waits for the next completion according to the wait method.
func (q *queue) idle(backoff *iox.Backoff) error {
	switch {
	case q.ring.IOPolling():
		// completions are reaped only when the kernel is entered
		return q.cq.Wait(0)
	case q.wait == WaitEnter:
		return q.cq.Wait(1)
	default:
		backoff.Wait()
		return nil
	}
}

// drain resolves every available completion. open is false once the close
// marker was reaped.
func (q *queue) drain() (open bool, reaped int) {
	for {
		cqe, err := q.cq.TryRead()
		if ioring.IsWouldBlock(err) {
			return true, reaped
		}
		if err != nil {
			// state of inflight operations is unknown after overflow
			panic(err)
		}
		if cqe.UserData()&closed > 0 {
			return false, reaped
		}
		f, ok := q.futures.FromHandle(future.Handle(cqe.UserData()))
		if !ok {
			panic("loop: completion for a released future")
		}
		f.Complete(cqe)
		reaped++
	}
}

// acquire waits for n consecutive submission slots. Pending slots are pushed
// to the kernel while waiting so that the queue makes progress.
func (q *queue) acquire(slots []ioring.Slot) error {
	backoff := iox.Backoff{}
	for !q.sq.TryAcquireSlots(slots) {
		if err := q.submit(); err != nil {
			return err
		}
		backoff.Wait()
	}
	return nil
}

// submit publishes prepared slots, retrying until the kernel took everything
// that was published.
func (q *queue) submit() error {
	backoff := iox.Backoff{}
	for {
		res, _, err := q.sq.SubmitAndWait(0)
		if err != nil {
			return err
		}
		if res == ioring.SubmittedFully {
			return nil
		}
		backoff.Wait()
	}
}

// prepare fills slots with ops, tagging every entry with a future handle.
// Slots are marked prepared last to first, so SubmitAndWait never sees part
// of the batch and links stay within one submission.
func (q *queue) prepare(ops []SQOperation, futures []*future.Future[ioring.CQEntry]) error {
	slots := make([]ioring.Slot, len(ops))
	if err := q.acquire(slots); err != nil {
		return err
	}
	for i, op := range ops {
		op(slots[i].Entry)
		slots[i].Entry.SetUserData(uint64(futures[i].Handle()))
	}
	for i := len(slots) - 1; i >= 0; i-- {
		q.sq.MarkPrepared(slots[i].Index)
	}
	return q.submit()
}

func (q *queue) enqueue(ops []SQOperation, futures []*future.Future[ioring.CQEntry]) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return q.prepare(ops, futures)
}

// Complete submits op and blocks until it is completed.
func (q *queue) Complete(op SQOperation) (ioring.CQEntry, error) {
	f := q.futures.Get()
	if err := q.enqueue([]SQOperation{op}, []*future.Future[ioring.CQEntry]{f}); err != nil {
		q.futures.Put(f)
		return ioring.CQEntry{}, err
	}
	cqe := f.Await()
	q.futures.Put(f)
	return cqe, nil
}

// Batch submits operations atomically and in the order they are provided.
func (q *queue) Batch(cqes []ioring.CQEntry, ops []SQOperation) ([]ioring.CQEntry, error) {
	if len(ops) > int(q.sq.Capacity()) {
		return nil, ErrBatchTooLarge
	}
	futures := make([]*future.Future[ioring.CQEntry], len(ops))
	// partially acquired batches must not starve each other out of the pool
	q.batchMu.Lock()
	for i := range futures {
		futures[i] = q.futures.Get()
	}
	q.batchMu.Unlock()
	if err := q.enqueue(ops, futures); err != nil {
		for _, f := range futures {
			q.futures.Put(f)
		}
		return nil, err
	}
	for _, f := range futures {
		cqes = append(cqes, f.Await())
		q.futures.Put(f)
	}
	return cqes, nil
}

// Async submits op and returns without waiting. fn runs on the loop
// scheduler with the completion.
func (q *queue) Async(op SQOperation, fn func(ioring.CQEntry)) error {
	f := q.futures.Get()
	if err := q.enqueue([]SQOperation{op}, []*future.Future[ioring.CQEntry]{f}); err != nil {
		q.futures.Put(f)
		return err
	}
	// the completion may already be stored, OnComplete schedules fn right away then
	f.OnComplete(func(cqe ioring.CQEntry) {
		q.futures.Put(f)
		fn(cqe)
	})
	return nil
}

// Close stops accepting submissions and pushes a drain marker through the
// ring. Operations submitted before Close are completed before the marker.
func (q *queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	slots := make([]ioring.Slot, 1)
	if err := q.acquire(slots); err != nil {
		return err
	}
	ioring.Nop(slots[0].Entry)
	slots[0].Entry.SetUserData(closed)
	slots[0].Entry.SetFlags(ioring.IOSQE_IO_DRAIN)
	q.sq.MarkPrepared(slots[0].Index)
	if err := q.submit(); err != nil {
		return err
	}
	q.wg.Wait()
	return nil
}

func (q *queue) release() error {
	if !q.owned {
		return nil
	}
	return q.ring.Close()
}
