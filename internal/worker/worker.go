package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Do after the worker has been stopped.
var ErrStopped = errors.New("foreground worker is stopped")

// job is one unit of UI-affecting work and the channel its result goes to.
type job struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// Foreground serializes device actions on a single goroutine, the
// equivalent of a platform UI thread. Callers hand work over with Do and
// block only on their own job, never on the worker's queue.
type Foreground struct {
	logger *zap.Logger
	queue  chan job

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	done      chan struct{}
}

// Option is a function that configures a Foreground worker.
type Option func(*Foreground)

// WithQueueSize sets how many jobs may wait before Do blocks.
func WithQueueSize(n int) Option {
	return func(f *Foreground) {
		if n >= 0 {
			f.queue = make(chan job, n)
		}
	}
}

// NewForeground creates a stopped worker. Call Start before Do.
func NewForeground(logger *zap.Logger, opts ...Option) *Foreground {
	f := &Foreground{
		logger:  logger.With(zap.String("component", "foreground_worker")),
		queue:   make(chan job, 16),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start launches the worker goroutine. Extra calls are no-ops.
func (f *Foreground) Start() {
	f.startOnce.Do(func() {
		go f.loop()
	})
}

// Stop stops accepting work and waits for the running job, if any. Queued
// jobs that never ran fail with ErrStopped.
func (f *Foreground) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopped)
	})
	f.startOnce.Do(func() { close(f.done) })
	<-f.done
}

// Do runs fn on the worker goroutine and returns its error. It returns early
// with ctx.Err() if ctx ends first; a job already running is not interrupted
// beyond its own ctx.
func (f *Foreground) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-f.stopped:
		return ErrStopped
	default:
	}

	select {
	case f.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stopped:
		return ErrStopped
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		// The loop may have exited before picking the job up.
		select {
		case err := <-j.result:
			return err
		default:
			return ErrStopped
		}
	}
}

func (f *Foreground) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.stopped:
			f.drain()
			return
		case j := <-f.queue:
			j.result <- f.run(j)
		}
	}
}

// run executes one job, converting a panic into an error.
func (f *Foreground) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Foreground job panicked",
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("foreground job panicked: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(j.ctx)
}

// drain fails jobs left in the queue at shutdown.
func (f *Foreground) drain() {
	for {
		select {
		case j := <-f.queue:
			j.result <- ErrStopped
		default:
			return
		}
	}
}
