// Package workerpool bounds concurrent work shared by on-demand lookups,
// scheduled revalidation and webhook delivery.
package workerpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool is a counting semaphore over a fixed number of slots.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a pool with size slots. size below one is treated as one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do waits for a free slot and runs fn on the calling goroutine. If ctx ends
// before a slot frees up, fn is never run and the context error is returned.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer p.sem.Release(1)
	fn(ctx)
	return nil
}
