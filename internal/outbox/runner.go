package outbox

import (
	"context"
	"sync"
)

// Loop is a periodic background task.
type Loop interface {
	Run(ctx context.Context)
}

// Runner starts background loops and waits for them to return after the
// context is cancelled.
type Runner struct {
	loops []Loop
	wg    sync.WaitGroup
}

func NewRunner(loops ...Loop) *Runner {
	return &Runner{loops: loops}
}

func (r *Runner) Start(ctx context.Context) {
	for _, l := range r.loops {
		if l == nil {
			continue
		}
		r.wg.Add(1)
		go func(l Loop) {
			defer r.wg.Done()
			l.Run(ctx)
		}(l)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}
