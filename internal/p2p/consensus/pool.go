package consensus

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const DefaultPoolSize = 256

// Pool bounds concurrent outbound work and tracks every goroutine it starts so
// shutdown can wait for them.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Go starts fn on a tracked goroutine without taking a slot. Long waits such as
// backoff and source queues run here.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Do runs fn on the calling goroutine while holding a slot.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Wait blocks until every tracked goroutine has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
