// Package worker dispatches blocking calls onto a bounded pool so a slow or
// hung fetch cannot stall the caller driving a batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when a non-positive size is configured.
const DefaultSize = 4

// ErrPanic marks an error recovered from a panicking task.
var ErrPanic = errors.New("task panicked")

// PanicError carries the recovered value.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrPanic, e.Value)
}

func (e *PanicError) Unwrap() error { return ErrPanic }

// Stats is a snapshot of pool counters.
type Stats struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}

// Pool bounds concurrent task execution with a weighted semaphore.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	logger *zap.Logger

	active    atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewPool creates a pool running at most size tasks at once.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

// Do runs fn on a pool goroutine and waits for it. If ctx ends first Do
// returns the context error; the task keeps its slot until it returns.
// A panic inside fn is converted to a *PanicError.
func (p *Pool) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot: %w", err)
	}
	p.active.Add(1)

	done := make(chan error, 1)
	go func() {
		defer func() {
			p.active.Add(-1)
			p.completed.Add(1)
			p.sem.Release(1)
		}()
		done <- p.run(ctx, name, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.logger.Warn("abandoning task wait", zap.String("task", name), zap.Error(ctx.Err()))
		return fmt.Errorf("wait for %s: %w", name, ctx.Err())
	}
}

func (p *Pool) run(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			stack := debug.Stack()
			p.logger.Error("task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.ByteString("stack", stack))
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return fn(ctx)
}

// Submit runs fn through the pool and returns its value.
func Submit[T any](ctx context.Context, p *Pool, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
