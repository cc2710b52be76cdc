package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolStats counts the work a WorkerPool has seen.
type PoolStats struct {
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Peak      int64 `json:"peak"`
}

// ErrPoolClosed is returned when work is submitted to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// WorkerPool bounds how many branches of a control.parallel node run at once.
type WorkerPool struct {
	slots   chan struct{}
	wg      sync.WaitGroup
	stats   PoolStats
	onPanic func(recovered any)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWorkerPool creates a pool running at most limit tasks concurrently.
func NewWorkerPool(limit int) *WorkerPool {
	if limit <= 0 {
		limit = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, limit),
		done:  make(chan struct{}),
	}
}

// OnPanic sets a callback receiving values recovered from panicking tasks.
func (p *WorkerPool) OnPanic(fn func(recovered any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPanic = fn
}

// Limit returns the maximum concurrency.
func (p *WorkerPool) Limit() int {
	return cap(p.slots)
}

// Submit starts fn once a slot is free. It blocks while the pool is full and
// gives up when ctx is done or the pool is closed.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// wg.Add must happen under mu so Close never waits on a missed task.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	running := atomic.AddInt64(&p.stats.Running, 1)
	onPanic := p.onPanic
	p.mu.Unlock()
	p.recordPeak(running)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				atomic.AddInt64(&p.stats.Failed, 1)
				if onPanic != nil {
					onPanic(fmt.Errorf("branch panicked: %v", r))
				}
			}
			atomic.AddInt64(&p.stats.Running, -1)
			<-p.slots
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.stats.Failed, 1)
			return
		}
		atomic.AddInt64(&p.stats.Completed, 1)
	}()
	return nil
}

func (p *WorkerPool) recordPeak(running int64) {
	for {
		peak := atomic.LoadInt64(&p.stats.Peak)
		if running <= peak || atomic.CompareAndSwapInt64(&p.stats.Peak, peak, running) {
			return
		}
	}
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close rejects further submissions and waits for running tasks.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Running:   atomic.LoadInt64(&p.stats.Running),
		Completed: atomic.LoadInt64(&p.stats.Completed),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
		Peak:      atomic.LoadInt64(&p.stats.Peak),
	}
}
