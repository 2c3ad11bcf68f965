package future

import (
	"context"

	"github.com/brickingsoft/rxp"
)

// Scheduler decides where a continuation registered with OnComplete runs.
type Scheduler interface {
	Schedule(fn func())
}

type SchedulerFunc func(fn func())

func (s SchedulerFunc) Schedule(fn func()) {
	s(fn)
}

var (
	// Inline runs continuations on the goroutine that calls Complete.
	Inline Scheduler = SchedulerFunc(func(fn func()) { fn() })
	// Goroutines runs every continuation on a new goroutine.
	Goroutines Scheduler = SchedulerFunc(func(fn func()) { go fn() })
)

// task adapts a continuation to rxp.Task.
type task func()

func (t task) Handle(context.Context) { t() }

// Executors runs continuations on an rxp executor pool. Execute blocks while
// the pool is at its goroutine limit. A continuation the pool refuses
// (closed or ctx done) runs on a new goroutine.
func Executors(ctx context.Context, exec rxp.Executors) Scheduler {
	return SchedulerFunc(func(fn func()) {
		if err := exec.Execute(ctx, task(fn)); err != nil {
			go fn()
		}
	})
}
