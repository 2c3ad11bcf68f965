package future

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// Pool is a fixed set of futures. Handles of pooled futures can be turned
// back into futures with FromHandle.
type Pool[T any] struct {
	futures []Future[T]
	free    *lfq.MPMC[uint32]
}

// NewPool allocates capacity futures. Continuations of every future run on sched.
func NewPool[T any](capacity int, sched Scheduler) *Pool[T] {
	if capacity < 1 {
		panic("future: pool capacity must be positive")
	}
	p := &Pool[T]{
		futures: make([]Future[T], capacity),
		free:    lfq.NewMPMC[uint32](max(capacity, 2)),
	}
	for i := range p.futures {
		p.futures[i].init(uint32(i), sched)
		idx := uint32(i)
		if err := p.free.Enqueue(&idx); err != nil {
			panic("future: free list rejected index")
		}
	}
	return p
}

func (p *Pool[T]) Cap() int {
	return len(p.futures)
}

// TryGet takes a free future. False means all futures are in use.
func (p *Pool[T]) TryGet() (*Future[T], bool) {
	idx, err := p.free.Dequeue()
	if err != nil {
		return nil, false
	}
	f := &p.futures[idx]
	f.inUse.StoreRelease(1)
	return f, true
}

// Get takes a free future, waiting with backoff until one is returned.
func (p *Pool[T]) Get() *Future[T] {
	backoff := iox.Backoff{}
	for {
		if f, ok := p.TryGet(); ok {
			return f
		}
		backoff.Wait()
	}
}

// Put returns f to the pool. Handles obtained before Put no longer resolve.
// f must be pending, i.e. its last value was consumed.
func (p *Pool[T]) Put(f *Future[T]) {
	if !f.inUse.CompareAndSwapAcqRel(1, 0) {
		panic("future: put of a future that is not in use")
	}
	f.gen.AddAcqRel(1)
	f.cont = nil
	idx := f.index
	backoff := iox.Backoff{}
	for p.free.Enqueue(&idx) != nil {
		backoff.Wait()
	}
}

// FromHandle resolves h to the future it was taken from. False is returned
// for handles from a previous cycle or from another pool size.
func (p *Pool[T]) FromHandle(h Handle) (*Future[T], bool) {
	idx := h.Index()
	if idx >= uint32(len(p.futures)) {
		return nil, false
	}
	f := &p.futures[idx]
	if uint32(f.gen.LoadAcquire()) != h.Generation() {
		return nil, false
	}
	return f, true
}
