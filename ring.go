//go:build linux

package ioring

import (
	"strconv"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"golang.org/x/sys/unix"

	"github.com/dshulyak/ioring/internal/logging"
)

// kernel visible submission ring. Pointers alias mapped memory and are
// accessed with sync/atomic.
type sqRing struct {
	head    *uint32
	tail    *uint32
	mask    uint32
	entries uint32
	flags   *uint32
	dropped *uint32
	array   uint32Array
	sqes    sqeArray
}

type cqRing struct {
	head     *uint32
	tail     *uint32
	mask     uint32
	entries  uint32
	overflow *uint32
	cqes     cqeArray
}

const (
	claimNone int32 = iota
	claimExclusive
	claimConcurrent
)

// Ring is an interface to the io_uring kernel framework.
// A ring is driven either by SQ (single goroutine) or by ConcurrentSQ,
// never both.
type Ring struct {
	// fd returned by IO_URING_SETUP
	fd     int
	params Params

	// sqRing also holds the completion ring when shared is set.
	sqRing arena
	cqRing arena
	sqes   arena
	shared bool

	sq sqRing
	cq cqRing

	claim      atomix.Int32
	exclusive  *SubmissionQueue
	concurrent *ConcurrentSubmissionQueue
	completion *CompletionQueue

	closeMu sync.Mutex
	log     *logging.Logger
}

func (r *Ring) Fd() int {
	return r.fd
}

// Params returns the parameter block negotiated with the kernel.
func (r *Ring) Params() Params {
	return r.params
}

func (r *Ring) Features() uint32 {
	return r.params.Features
}

// SQPolling reports whether a kernel thread polls the submission queue.
func (r *Ring) SQPolling() bool {
	return r.params.Flags&IORING_SETUP_SQPOLL > 0
}

// SQPollPinned reports whether the submission poller is pinned to a cpu.
func (r *Ring) SQPollPinned() bool {
	return r.SQPolling() && r.params.Flags&IORING_SETUP_SQ_AFF > 0
}

func (r *Ring) IOPolling() bool {
	return r.params.Flags&IORING_SETUP_IOPOLL > 0
}

func (r *Ring) SQCapacity() uint32 {
	return r.sq.entries
}

func (r *Ring) CQCapacity() uint32 {
	return r.cq.entries
}

// SQBacklog is the number of entries published to the kernel and not yet consumed by it.
func (r *Ring) SQBacklog() uint32 {
	return atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head)
}

func (r *Ring) claimSQ(variant int32) {
	if r.claim.CompareAndSwapAcqRel(claimNone, variant) {
		r.log.Debug("submission queue claimed", "variant", variant)
		return
	}
	if r.claim.LoadAcquire() != variant {
		panic("ioring: ring already driven by another submission queue variant")
	}
}

// SQ returns the single-writer submission queue.
// Panics if ConcurrentSQ was used on this ring.
func (r *Ring) SQ() *SubmissionQueue {
	r.claimSQ(claimExclusive)
	return r.exclusive
}

// ConcurrentSQ returns the multi-writer submission queue.
// Panics if SQ was used on this ring.
func (r *Ring) ConcurrentSQ() *ConcurrentSubmissionQueue {
	r.claimSQ(claimConcurrent)
	return r.concurrent
}

func (r *Ring) CQ() *CompletionQueue {
	return r.completion
}

// Close releases the ring descriptor and unmaps ring memory.
// Calling Close more than once is a no-op.
func (r *Ring) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.fd < 0 {
		return nil
	}
	fd := r.fd
	err := r.release()
	r.log.Debug("ring closed", "fd", fd)
	return err
}

// enter invokes IO_URING_ENTER. EINTR is retried, the kernel returns it only
// before consuming any submission.
func (r *Ring) enter(toSubmit, minComplete, flags uint32) (uint32, unix.Errno) {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd),
			uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
		if errno == unix.EINTR {
			continue
		}
		return uint32(n), errno
	}
}

func isBusy(errno unix.Errno) bool {
	return errno == unix.EAGAIN || errno == unix.EBUSY
}

// sqNeedsWakeup reports whether the submission poller is asleep.
func (r *Ring) sqNeedsWakeup() bool {
	return atomic.LoadUint32(r.sq.flags)&IORING_SQ_NEED_WAKEUP > 0
}

// enterFlags computes flags for a submission. enter is false when the
// submission poller is awake and nothing has to be waited for.
func (r *Ring) enterFlags(toSubmit, minComplete uint32) (flags uint32, enter bool) {
	if minComplete > 0 || r.IOPolling() {
		flags |= IORING_ENTER_GETEVENTS
	}
	if r.SQPolling() {
		if r.sqNeedsWakeup() {
			flags |= IORING_ENTER_SQ_WAKEUP
			enter = true
		}
		return flags, enter || minComplete > 0
	}
	return flags, toSubmit > 0 || minComplete > 0
}

func uitoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
