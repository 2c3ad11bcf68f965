//go:build linux

// Package loop runs io_uring operations from any number of goroutines.
// Each ring is shared through the concurrent submission queue, a single
// completion loop per ring (or one epoll loop for all rings) resolves
// the futures callers are waiting on.
package loop

import (
	"runtime"
	"sync"

	"github.com/brickingsoft/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/dshulyak/ioring"
	"github.com/dshulyak/ioring/future"
	"github.com/dshulyak/ioring/internal/logging"
)

const (
	// WaitPoll monitors completion queue by polling (or IO_URING_ENTER with minComplete=0 in case of IOPOLL)
	WaitPoll uint = iota
	// WaitEnter monitors completion queue by waiting on IO_URING_ENTER with minComplete=1
	// Registering files requires the ring to become idle, with WaitEnter we are
	// blocking until the next event is completed. Even if queue is empty this
	// makes the ring look busy. As a consequence registering files leads to deadlock.
	WaitEnter
	// WaitEventfd watches eventfd of each ring in the loop.
	WaitEventfd
)

const (
	// FlagSharedWorkers shares worker pool from the first ring instance between all shards in the loop.
	FlagSharedWorkers = 1 << iota
)

var errShardedWait = errors.Define("loop: completions can be reaped only by waiting on eventfd or enter if sharding is enabled")

func defaultParams() *Params {
	return &Params{
		Rings:      runtime.NumCPU(),
		WaitMethod: WaitEventfd,
		Flags:      FlagSharedWorkers,
	}
}

// Params ...
type Params struct {
	Rings      int
	WaitMethod uint
	Flags      uint
	// Scheduler runs Async callbacks, defaults to future.Goroutines.
	Scheduler future.Scheduler
	Logger    zerolog.Logger
}

// Loop ...
type Loop struct {
	qparams *Params
	queues  []*queue
	n       uint64
	// fields are used only with WaitEventfd
	byEventfd map[int32]*queue
	poll      *poll

	wg  sync.WaitGroup
	log *logging.Logger
}

func newLoop(qp *Params) *Loop {
	if qp == nil {
		qp = defaultParams()
	}
	params := *qp
	if params.Scheduler == nil {
		params.Scheduler = future.Goroutines
	}
	return &Loop{
		qparams: &params,
		log:     logging.FromZerolog(params.Logger).WithComponent("loop"),
	}
}

// Setup opens qp.Rings rings with entries each. opts apply to every ring.
func Setup(entries uint32, qp *Params, opts ...ioring.Option) (*Loop, error) {
	l := newLoop(qp)
	rings := l.qparams.Rings
	if rings < 1 {
		rings = 1
	}
	if rings > 1 && !(l.qparams.WaitMethod == WaitEventfd || l.qparams.WaitMethod == WaitEnter) {
		return nil, errShardedWait
	}
	if err := l.setupRings(entries, rings, opts); err != nil {
		return nil, err
	}
	if err := l.start(); err != nil {
		_ = l.closeRings()
		return nil, err
	}
	return l, nil
}

// New runs a loop over an existing ring. The ring is not closed by Loop.Close.
func New(ring *ioring.Ring, qp *Params) (*Loop, error) {
	l := newLoop(qp)
	l.queues = []*queue{newQueue(ring, false, l.qparams, l.log)}
	l.n = 1
	if err := l.start(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loop) setupRings(entries uint32, n int, opts []ioring.Option) (err error) {
	queues := make([]*queue, 0, n)
	defer func() {
		if err != nil {
			for _, q := range queues {
				_ = q.release()
			}
		}
	}()
	for i := 0; i < n; i++ {
		use := opts
		if l.qparams.Flags&FlagSharedWorkers > 0 && i > 0 {
			use = append(opts[:len(opts):len(opts)], ioring.WithAttachWQ(queues[0].Ring().Fd()))
		}
		ring, err := ioring.Open(entries, use...)
		if err != nil {
			return err
		}
		queues = append(queues, newQueue(ring, true, l.qparams, l.log))
	}
	l.queues = queues
	l.n = uint64(n)
	return nil
}

func (l *Loop) start() (err error) {
	if l.qparams.WaitMethod != WaitEventfd {
		for _, q := range l.queues {
			q.startCompletionLoop()
		}
		return nil
	}

	l.poll, err = newPoll(len(l.queues))
	if err != nil {
		return err
	}
	byEventfd := make(map[int32]*queue, len(l.queues))
	defer func() {
		if err != nil {
			for efd, q := range byEventfd {
				_ = q.ring.UnregisterEventfd()
				_ = unix.Close(int(efd))
			}
			_ = l.poll.close()
			l.poll = nil
		}
	}()
	for _, q := range l.queues {
		efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			return err
		}
		if err := q.ring.RegisterEventfd(efd); err != nil {
			_ = unix.Close(efd)
			return err
		}
		byEventfd[int32(efd)] = q
		if err := l.poll.addRead(int32(efd)); err != nil {
			return err
		}
	}
	l.byEventfd = byEventfd
	l.wg.Add(1)
	go l.epollLoop()
	return nil
}

func (l *Loop) epollLoop() {
	defer l.wg.Done()
	var exit uint64
	for {
		if err := l.poll.wait(func(efd int32) {
			if open, _ := l.byEventfd[efd].drain(); !open {
				exit++
			}
		}); err != nil {
			panic(err)
		}
		if exit == l.n {
			l.log.Debug("epoll loop stopped")
			return
		}
	}
}

// getQueue returns queue for current thread.
func (l *Loop) getQueue() *queue {
	if len(l.queues) == 1 {
		return l.queues[0]
	}
	tid := uint64(unix.Gettid())
	return l.queues[tid%l.n]
}

//go:uintptrescapes

// Syscall executes operation on one of the internal queues. Additionally it prevents ptrs from being moved to another location while Syscall is in progress.
// WARNING: don't use interface that hides this method.
// https://github.com/golang/go/issues/16035#issuecomment-231107512.
func (l *Loop) Syscall(op SQOperation, ptrs ...uintptr) (ioring.CQEntry, error) {
	return l.getQueue().Complete(op)
}

//go:uintptrescapes

// Batch submits ops to one ring in order and appends their completions to cqes.
func (l *Loop) Batch(cqes []ioring.CQEntry, ops []SQOperation, ptrs ...uintptr) ([]ioring.CQEntry, error) {
	return l.getQueue().Batch(cqes, ops)
}

// Async submits op and calls fn with its completion on the loop scheduler.
// Memory referenced by op must stay alive until fn runs.
func (l *Loop) Async(op SQOperation, fn func(ioring.CQEntry)) error {
	return l.getQueue().Async(op, fn)
}

// RegisterFiles registers fds on every ring. Registration waits until rings are idle.
func (l *Loop) RegisterFiles(fds []int32) (err error) {
	for _, q := range l.queues {
		err = q.Ring().RegisterFiles(fds)
		if err != nil {
			return
		}
	}
	return
}

// UnregisterFiles ...
func (l *Loop) UnregisterFiles() (err error) {
	for _, q := range l.queues {
		err = q.Ring().UnregisterFiles()
		if err != nil {
			return
		}
	}
	return
}

// Close works as follows:
// - request close on each queue
// - once every queue reaped its close marker, completion loops are terminated
// - unregister and close eventfds, close owned rings
func (l *Loop) Close() (err0 error) {
	for _, q := range l.queues {
		if err := q.Close(); err != nil && err0 == nil {
			err0 = err
		}
	}
	l.wg.Wait()
	if l.poll != nil {
		if err := l.poll.close(); err != nil && err0 == nil {
			err0 = err
		}
		for efd, q := range l.byEventfd {
			if err := q.Ring().UnregisterEventfd(); err != nil && err0 == nil {
				err0 = err
			}
			if err := unix.Close(int(efd)); err != nil && err0 == nil {
				err0 = err
			}
		}
		l.poll = nil
	}
	if err := l.closeRings(); err != nil && err0 == nil {
		err0 = err
	}
	return err0
}

func (l *Loop) closeRings() (err0 error) {
	for _, q := range l.queues {
		if err := q.release(); err != nil && err0 == nil {
			err0 = err
		}
	}
	return err0
}
