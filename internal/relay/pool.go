package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is passed to a task's abandon callback when the pool shuts
// down before the task got its slots, and returned by Submit afterwards.
var ErrPoolClosed = errors.New("relay: worker pool closed")

// Pool bounds the number of concurrently running forwarding loops. Tasks
// that do not fit wait in FIFO order; none is dropped.
type Pool struct {
	size int64
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	queued  atomic.Int64
	running atomic.Int64
}

// NewPool returns a pool with size slots.
func NewPool(size int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs task on its own goroutine once weight slots are free, and
// releases them when task returns. Submit itself never waits for slots.
// If the pool closes while the task is still queued, abandon (if non-nil)
// is called with ErrPoolClosed instead.
func (p *Pool) Submit(weight int64, task func(), abandon func(error)) error {
	if weight > p.size {
		return fmt.Errorf("relay: task needs %d slots, pool has %d", weight, p.size)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.queued.Add(1)
	go func() {
		defer p.wg.Done()

		err := p.sem.Acquire(p.ctx, weight)
		p.queued.Add(-1)
		if err == nil && p.ctx.Err() != nil {
			// Acquire may succeed on a cancelled context when slots are free.
			p.sem.Release(weight)
			err = p.ctx.Err()
		}
		if err != nil {
			if abandon != nil {
				abandon(ErrPoolClosed)
			}
			return
		}
		defer p.sem.Release(weight)

		p.running.Add(weight)
		defer p.running.Add(-weight)
		task()
	}()
	return nil
}

// Size returns the pool capacity in slots.
func (p *Pool) Size() int {
	return int(p.size)
}

// Running returns the number of slots held by running tasks.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Queued returns the number of tasks waiting for slots.
func (p *Pool) Queued() int {
	return int(p.queued.Load())
}

// Close abandons queued tasks and waits for running ones to return. It is
// safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
