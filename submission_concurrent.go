//go:build linux

package ioring

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// SlotState is the lifecycle state of a concurrent submission slot.
// Slots cycle through the states in declaration order.
type SlotState int32

const (
	SlotReadyForPreparation SlotState = iota
	SlotReservedForPreparation
	SlotReadyForSubmission
	SlotReservedForSubmission
)

func (s SlotState) String() string {
	switch s {
	case SlotReadyForPreparation:
		return "ready-for-preparation"
	case SlotReservedForPreparation:
		return "reserved-for-preparation"
	case SlotReadyForSubmission:
		return "ready-for-submission"
	case SlotReservedForSubmission:
		return "reserved-for-submission"
	}
	return "unknown"
}

// SubmitResult is the outcome of ConcurrentSubmissionQueue.SubmitAndWait.
type SubmitResult int

const (
	// SubmittedFully means every prepared entry was accepted by the kernel.
	SubmittedFully SubmitResult = iota
	// SubmittedPartially means the kernel stopped before the end of the batch,
	// usually because an entry failed to initialize. The rest stays published.
	SubmittedPartially
	// MustAwaitCompletions means the kernel is busy (EAGAIN, EBUSY).
	// Drain completions and retry.
	MustAwaitCompletions
)

func (r SubmitResult) String() string {
	switch r {
	case SubmittedFully:
		return "submitted-fully"
	case SubmittedPartially:
		return "submitted-partially"
	case MustAwaitCompletions:
		return "must-await-completions"
	}
	return "unknown"
}

// Slot is an acquired submission entry. Index is passed to MarkPrepared once
// Entry is filled.
type Slot struct {
	Index uint32
	Entry *SQEntry
}

// ConcurrentSubmissionQueue lets any number of goroutines acquire and fill
// submission entries. Only SubmitAndWait is serialized.
type ConcurrentSubmissionQueue struct {
	ring *Ring
	sq   *sqRing

	// slots in [head, tail) are handed out and not yet consumed by the kernel
	tail atomix.Uint64
	head atomix.Uint64

	states []atomix.Int32

	mu sync.Mutex
	// ktail is the kernel tail as last published, guarded by mu
	ktail uint32
}

func newConcurrentSubmissionQueue(r *Ring) *ConcurrentSubmissionQueue {
	q := &ConcurrentSubmissionQueue{
		ring:   r,
		sq:     &r.sq,
		states: make([]atomix.Int32, r.sq.entries),
		ktail:  *r.sq.tail,
	}
	q.tail.StoreRelaxed(uint64(q.ktail))
	q.head.StoreRelaxed(uint64(q.ktail))
	return q
}

func (q *ConcurrentSubmissionQueue) Capacity() uint32 {
	return q.sq.entries
}

// Pending returns the number of slots acquired and not yet consumed by the kernel.
func (q *ConcurrentSubmissionQueue) Pending() uint32 {
	return uint32(q.tail.LoadAcquire() - q.head.LoadAcquire())
}

func (q *ConcurrentSubmissionQueue) State(index uint32) SlotState {
	return SlotState(q.states[index].LoadAcquire())
}

// reserve moves tail forward by n. It never blocks: false is returned
// when less than n slots are free.
func (q *ConcurrentSubmissionQueue) reserve(n uint64) (uint64, bool) {
	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		head := q.head.LoadAcquire()
		if head > tail {
			// tail was read before a concurrent acquire and flush moved head past it
			sw.Once()
			continue
		}
		next := tail + n
		if next-head > uint64(q.sq.entries) {
			return 0, false
		}
		if q.tail.CompareAndSwapAcqRel(tail, next) {
			return tail, true
		}
		sw.Once()
	}
}

func (q *ConcurrentSubmissionQueue) take(pos uint64) Slot {
	idx := uint32(pos) & q.sq.mask
	entry := q.sq.sqes.clear(idx)
	markReserved(&q.states[idx], idx)
	return Slot{Index: idx, Entry: entry}
}

// TryAcquireSlot returns a zeroed slot or false if the queue is full.
func (q *ConcurrentSubmissionQueue) TryAcquireSlot() (Slot, bool) {
	pos, ok := q.reserve(1)
	if !ok {
		return Slot{}, false
	}
	return q.take(pos), true
}

// TryAcquireSlots fills slots with consecutive entries, all or nothing.
func (q *ConcurrentSubmissionQueue) TryAcquireSlots(slots []Slot) bool {
	if len(slots) == 0 {
		return true
	}
	pos, ok := q.reserve(uint64(len(slots)))
	if !ok {
		return false
	}
	for i := range slots {
		slots[i] = q.take(pos + uint64(i))
	}
	return true
}

// MarkPrepared makes a filled slot eligible for the next SubmitAndWait.
func (q *ConcurrentSubmissionQueue) MarkPrepared(index uint32) {
	q.states[index].StoreRelease(int32(SlotReadyForSubmission))
}

// SubmitAndWait publishes prepared slots to the kernel and waits for
// minComplete completions. Publishing stops at the first slot that is still
// being filled, later slots are picked up by a following call.
// Returns the number of entries the kernel consumed.
func (q *ConcurrentSubmissionQueue) SubmitAndWait(minComplete uint32) (SubmitResult, uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head := q.head.LoadAcquire()
	tail := q.tail.LoadAcquire()
	ktail := q.ktail
	for pos := head; pos < tail; pos++ {
		idx := uint32(pos) & q.sq.mask
		state := &q.states[idx]
		if state.LoadAcquire() == int32(SlotReservedForSubmission) {
			// published by a previous call, not consumed yet
			continue
		}
		if !state.CompareAndSwapAcqRel(int32(SlotReadyForSubmission), int32(SlotReservedForSubmission)) {
			break
		}
		q.sq.array.set(ktail&q.sq.mask, idx)
		ktail++
	}
	if ktail != q.ktail {
		atomic.StoreUint32(q.sq.tail, ktail)
		q.ktail = ktail
	}

	toSubmit := ktail - uint32(head)
	if toSubmit == 0 && minComplete == 0 {
		return SubmittedFully, 0, nil
	}
	flags, enter := q.ring.enterFlags(toSubmit, minComplete)
	var consumed uint32
	if enter {
		n, errno := q.ring.enter(toSubmit, minComplete, flags)
		if errno != 0 {
			if isBusy(errno) {
				return MustAwaitCompletions, 0, nil
			}
			return 0, 0, enterError(errno)
		}
		consumed = n
	}
	sqpoll := q.ring.SQPolling()
	if sqpoll {
		// the poller consumes published entries on its own schedule
		consumed = atomic.LoadUint32(q.sq.head) - uint32(head)
	}

	for i := uint32(0); i < consumed; i++ {
		q.states[uint32(head+uint64(i))&q.sq.mask].StoreRelease(int32(SlotReadyForPreparation))
	}
	q.head.StoreRelease(head + uint64(consumed))

	if sqpoll || consumed == toSubmit {
		return SubmittedFully, consumed, nil
	}
	return SubmittedPartially, consumed, nil
}
