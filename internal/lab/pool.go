package lab

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool runs build/start pipelines off the request path with at most
// `workers` executing at once. Each task is keyed by lab id.
type pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	closed bool
}

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]context.CancelFunc),
	}
}

// Submit queues fn. When the pool shuts down before fn gets a slot, fn
// still runs with a cancelled context so it can settle its session.
func (p *pool) Submit(key string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	if _, dup := p.tasks[key]; dup {
		p.mu.Unlock()
		return fmt.Errorf("task %s already queued", key)
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.tasks[key] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.finish(key)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			fn(ctx)
			return
		}
		defer p.sem.Release(1)
		fn(ctx)
	}()
	return nil
}

func (p *pool) finish(key string) {
	p.mu.Lock()
	if cancel, ok := p.tasks[key]; ok {
		cancel()
		delete(p.tasks, key)
	}
	p.mu.Unlock()
}

// Cancel cancels the context of the task queued under key. It reports
// whether such a task existed.
func (p *pool) Cancel(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.tasks[key]
	if ok {
		cancel()
	}
	return ok
}

func (p *pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Shutdown stops accepting tasks, cancels running ones and waits for them
// until ctx expires.
func (p *pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) wait() {
	p.wg.Wait()
}
