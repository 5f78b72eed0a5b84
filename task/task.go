// Package task provides a minimal one-shot completion handle for
// asynchronous operations. A Task is created by the SDK when an operation
// runs in the background; callers can block on it, poll it, register a
// continuation, or cancel it. It is independent of any particular
// concurrency runtime — internally it is a closed channel plus a mutex.
package task

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled is returned by Wait and Result when the task was canceled
// before it completed.
var ErrCanceled = errors.New("task: canceled")

// State describes where a task is in its lifecycle.
type State int

const (
	// Running means the task has not reached a terminal state yet.
	Running State = iota
	// Succeeded means the task completed and its value is available.
	Succeeded
	// Failed means the task completed with an error.
	Failed
	// Canceled means Cancel was called before completion.
	Canceled
)

// Task is a handle to an asynchronous operation producing a value of type T.
// A Task completes exactly once; all observers see the same result.
type Task[T any] struct {
	mu     sync.Mutex
	done   chan struct{}
	state  State
	value  T
	err    error
	cancel context.CancelFunc
	conts  []func(T, error)
}

// New creates a pending task bound to ctx. The returned context is what the
// background operation should run under: calling Cancel on the task cancels
// it, stopping future work without guaranteeing an in-flight call aborts.
func New[T any](ctx context.Context) (*Task[T], context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	return &Task[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}, runCtx
}

// Complete resolves the task. A nil err marks success. Only the first call
// has any effect; later calls are ignored so racing producers are harmless.
func (t *Task[T]) Complete(value T, err error) {
	t.mu.Lock()

	if t.state != Running {
		t.mu.Unlock()
		return
	}

	t.value = value
	t.err = err

	switch {
	case errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled):
		t.state = Canceled
		t.err = ErrCanceled
	case err != nil:
		t.state = Failed
	default:
		t.state = Succeeded
	}

	conts := t.conts
	t.conts = nil

	close(t.done)
	t.mu.Unlock()

	for _, fn := range conts {
		fn(t.value, t.err)
	}
}

// Cancel requests best-effort cancellation. Work that has not started is
// skipped; an in-flight network call may still run to completion. Cancel is
// a no-op once the task has completed.
func (t *Task[T]) Cancel() {
	t.cancel()
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// State returns the task's current lifecycle state without blocking.
func (t *Task[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Result returns the value and error of a completed task. Calling Result on
// a running task returns the zero value and no error; use State or Done to
// check for completion first, or use Wait.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.value, t.err
}

// Wait blocks until the task completes or ctx is done, whichever comes
// first. A ctx expiry does not cancel the task itself.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnDone registers fn to run when the task completes. If the task has
// already completed, fn runs synchronously in the calling goroutine;
// otherwise it runs in the goroutine that calls Complete.
func (t *Task[T]) OnDone(fn func(T, error)) {
	t.mu.Lock()

	if t.state == Running {
		t.conts = append(t.conts, fn)
		t.mu.Unlock()

		return
	}

	value, err := t.value, t.err
	t.mu.Unlock()

	fn(value, err)
}
