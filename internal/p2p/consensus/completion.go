package consensus

import (
	"context"
	"sync"

	"github.com/execution-hub/ledger-node/internal/domain/item"
)

// Completion is a one-shot future resolved when an election closes.
type Completion struct {
	once   sync.Once
	done   chan struct{}
	result item.Result
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// completedWith returns a future that is already resolved.
func completedWith(res item.Result) *Completion {
	c := newCompletion()
	c.complete(res)
	return c
}

func (c *Completion) complete(res item.Result) {
	c.once.Do(func() {
		c.result = res
		close(c.done)
	})
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the final result, or false while still running.
func (c *Completion) Result() (item.Result, bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return item.Result{}, false
	}
}

func (c *Completion) Wait(ctx context.Context) (item.Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return item.Result{}, ctx.Err()
	}
}
