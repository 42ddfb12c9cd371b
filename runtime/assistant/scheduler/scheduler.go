// Package scheduler runs module invocations and background work as tracked
// tasks. Every task carries an explicit timeout and cancellation, and the pool
// can cancel and drain everything on shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

// ErrPoolClosed is returned by Submit after Close has been called.
var ErrPoolClosed = errors.New("scheduler pool is closed")

type (
	// Pool tracks running tasks so shutdown can cancel and wait for them.
	// Tasks run on their own goroutines; the pool does not bound concurrency,
	// it bounds lifetime.
	Pool struct {
		logger telemetry.Logger

		mu      sync.Mutex
		closed  bool
		nextID  uint64
		cancels map[uint64]context.CancelFunc
		wg      sync.WaitGroup
	}

	// Future resolves to the result of a submitted task. Await blocks until
	// the task finishes or the waiting context is done; the task itself keeps
	// running under its own context either way.
	Future[T any] struct {
		name   string
		ready  chan struct{}
		result T
		err    error
		cancel context.CancelFunc
	}
)

// NewPool constructs a task pool. logger may be nil, in which case recovered
// panics are reported only through task errors.
func NewPool(logger telemetry.Logger) *Pool {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Pool{
		logger:  logger,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// Submit runs fn as a tracked task and returns its future. The task context
// derives from ctx, is bounded by timeout when timeout > 0, and is cancelled
// by pool Close or Future.Cancel. Panics inside fn are recovered and surface
// as task errors. Returns ErrPoolClosed after Close.
func Submit[T any](p *Pool, ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error)) (*Future[T], error) {
	if fn == nil {
		return nil, errors.New("task fn is required")
	}
	taskCtx, cancel := withOptionalTimeout(ctx, timeout)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, ErrPoolClosed
	}
	p.nextID++
	id := p.nextID
	p.cancels[id] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	fut := &Future[T]{name: name, ready: make(chan struct{}), cancel: cancel}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fut.err = fmt.Errorf("task %s panicked: %v", name, r)
				p.logger.Error(taskCtx, "task panic recovered", "task", name, "panic", fmt.Sprint(r))
			}
			close(fut.ready)
			p.mu.Lock()
			delete(p.cancels, id)
			p.mu.Unlock()
			cancel()
			p.wg.Done()
		}()
		fut.result, fut.err = fn(taskCtx)
	}()
	return fut, nil
}

// Running reports the number of tasks that have not finished.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Close cancels every outstanding task and waits for all of them to finish.
// Subsequent Submit calls fail with ErrPoolClosed. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Await blocks until the task finishes or ctx is done. A ctx error abandons
// the wait, not the task.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

// IsReady reports whether the task has finished.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// Cancel cancels the task's context. The task decides how to honor it; Await
// still returns whatever the task produces.
func (f *Future[T]) Cancel() {
	f.cancel()
}

// Name returns the task name given at submission.
func (f *Future[T]) Name() string { return f.name }

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
