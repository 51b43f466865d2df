package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of goroutines over a bounded queue, so a
// burst of broadcasts cannot spawn unbounded workers.
type Pool struct {
	tasks   chan Task
	workers int
	log     *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPool sizes the pool. workers and depth fall back to sane minimums.
func NewPool(workers, depth int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = workers
	}
	return &Pool{
		tasks:   make(chan Task, depth),
		workers: workers,
		log:     log,
	}
}

// Start launches the worker goroutines. Tasks run with ctx; when ctx ends the
// workers finish their current task and exit.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
		p.log.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("depth", cap(p.tasks)))
	})
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			t(ctx)
		}
	}
}

// Submit queues a task, blocking while the queue is full. Returns ctx.Err()
// if ctx ends before the task is accepted.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for in-flight tasks to finish. Submitting
// after Stop panics; callers stop the API surface first.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}
