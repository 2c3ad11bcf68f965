// Package future provides a recyclable single-result future. A Future is
// completed once and awaited once per cycle, after that it can be reused
// without allocation. Futures are addressed by a Handle that fits into the
// 64-bit user data of a submission entry.
package future

import (
	"code.hybscloud.com/atomix"
)

const (
	statePending int32 = iota
	// continuation registered with OnComplete, waiting for Complete
	stateContinuation
	// value stored, waiting for Await
	stateCompleted
)

// Handle identifies a future and the reuse cycle it was obtained in.
// Lower 32 bits are the index in the pool, upper 32 bits the generation.
type Handle uint64

func newHandle(gen, index uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) Index() uint32 {
	return uint32(h)
}

func (h Handle) Generation() uint32 {
	return uint32(h >> 32)
}

// Future holds a single value handed from one producer to one consumer.
// Complete must be called exactly once per Await or OnComplete.
type Future[T any] struct {
	state  atomix.Int32
	value  T
	signal chan struct{}
	cont   func(T)
	sched  Scheduler

	gen   atomix.Uint64
	index uint32
	// 1 while taken from the pool
	inUse atomix.Int32
}

// New returns a standalone future. Continuations run on sched.
func New[T any](sched Scheduler) *Future[T] {
	f := &Future[T]{}
	f.init(0, sched)
	return f
}

func (f *Future[T]) init(index uint32, sched Scheduler) {
	if sched == nil {
		sched = Inline
	}
	f.index = index
	f.sched = sched
	f.signal = make(chan struct{}, 1)
}

// Handle returns the token for the current cycle. It stays valid until the
// future is returned to its pool.
func (f *Future[T]) Handle() Handle {
	return newHandle(uint32(f.gen.LoadAcquire()), f.index)
}

// Complete stores v and resumes the waiter, or schedules the continuation
// registered with OnComplete. Without a waiter the value is kept for the
// next Await.
func (f *Future[T]) Complete(v T) {
	f.value = v
	if f.state.CompareAndSwapAcqRel(statePending, stateCompleted) {
		f.signal <- struct{}{}
		return
	}
	if f.state.LoadAcquire() != stateContinuation {
		panic("future: completed twice")
	}
	fn := f.cont
	f.cont = nil
	v = f.take()
	f.sched.Schedule(func() { fn(v) })
}

// Await blocks until Complete and returns the value. The future is pending
// again once Await returns.
func (f *Future[T]) Await() T {
	<-f.signal
	return f.take()
}

// OnComplete registers fn to run with the value instead of awaiting it.
// If the future is already completed fn is scheduled immediately.
func (f *Future[T]) OnComplete(fn func(T)) {
	f.cont = fn
	if f.state.CompareAndSwapAcqRel(statePending, stateContinuation) {
		return
	}
	f.cont = nil
	<-f.signal
	v := f.take()
	f.sched.Schedule(func() { fn(v) })
}

// take clears the value and makes the future pending.
func (f *Future[T]) take() T {
	v := f.value
	var zero T
	f.value = zero
	f.state.StoreRelease(statePending)
	return v
}
