package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// ErrPoolShutdown is returned by Submit after Shutdown
var ErrPoolShutdown = errors.New("worker pool shut down")

// ErrNotRun marks batch items that never ran because the context ended first
var ErrNotRun = errors.New("task did not run")

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged, never propagated.
//
// The task context is detached from parentCtx cancellation but keeps its
// values, so a task started from a request outlives the request.
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger = observability.OrNop(logger).WithField("task", taskName)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		if err := protect(ctx, fn); err != nil {
			logger.WithError(err).Error("Background task failed")
		}
	}()
}

// protect runs fn and converts a panic into an error
func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// WorkerPool manages a pool of workers that process tasks from a channel
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	logger       *observability.Logger
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines. Each task gets its own timeout
// derived from ctx.
//
//	pool := NewWorkerPool(ctx, 10, "cache warming", 30*time.Second, logger)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger *observability.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   observability.OrNop(logger).WithField("task", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.worker()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task. It blocks while the queue is full and fails once the
// pool has stopped.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	select {
	case <-p.doneCh:
		return ErrPoolShutdown
	default:
	}

	// a concurrent Shutdown may close workCh under us
	defer func() {
		if r := recover(); r != nil {
			err = ErrPoolShutdown
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return ErrPoolShutdown
	}
}

func (p *WorkerPool) closeWork() {
	p.closeOnce.Do(func() { close(p.workCh) })
}

// Wait stops accepting tasks and blocks until the queue is drained
func (p *WorkerPool) Wait() {
	p.closeWork()
	<-p.doneCh
	p.cancel()
}

// Shutdown stops accepting tasks and waits up to timeout for workers to
// finish. Running tasks are cancelled on timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		p.closeWork()
		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})
	return shutdownErr
}

// Errors returns a channel receiving task errors. Errors are dropped, and
// logged, when nobody drains it.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
			err := protect(ctx, fn)
			cancel()
			if err == nil {
				continue
			}
			select {
			case p.errCh <- err:
			default:
				p.logger.WithError(err).Warn("Worker pool error channel full, dropping error")
			}
		}
	}
}

// Batch runs fn for every item on a pool of workers and returns one error
// slot per item, nil for items that succeeded. Items that never ran because
// ctx ended carry ErrNotRun.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	errs := make([]error, len(items))
	for i := range errs {
		errs[i] = ErrNotRun
	}

	pool := NewWorkerPool(ctx, workers, taskName, timeout, nil)
	for i, item := range items {
		i, item := i, item
		if err := pool.Submit(func(ctx context.Context) error {
			errs[i] = protect(ctx, func(ctx context.Context) error { return fn(ctx, item) })
			return nil
		}); err != nil {
			break
		}
	}
	pool.Wait()
	return errs
}

// Failed counts the non-nil errors of a Batch result
func Failed(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
