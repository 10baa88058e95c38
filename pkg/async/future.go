// Package async provides a small future type used for the asynchronous forms
// of filesystem and bridge operations. A Future settles exactly once and can be
// awaited from Go or chained with Then, which is how the sandbox turns it into
// an engine-side promise.
package async

import (
	"context"
	"sync"
)

// Future holds the eventual result of an operation running on its own goroutine.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	value T
	err   error
	subs  []func()
}

// Go runs fn on a new goroutine and returns a future for its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		f.settle(v, err)
	}()
	return f
}

// New returns an unsettled future. Settle it with Resolve or Reject.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.settle(v, nil)
	return f
}

// Resolve settles the future with v. Later calls are ignored.
func (f *Future[T]) Resolve(v T) {
	f.settle(v, nil)
}

// Reject settles the future with err. Later calls are ignored.
func (f *Future[T]) Reject(err error) {
	var zero T
	f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value, f.err = v, err
		subs := f.subs
		f.subs = nil
		close(f.done)
		f.mu.Unlock()

		for _, sub := range subs {
			sub()
		}
	})
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers callbacks invoked once the future settles. Callbacks run on
// the goroutine that settles the future, or immediately if already settled.
func (f *Future[T]) Then(onResolve func(any), onReject func(error)) {
	call := func() {
		if f.err != nil {
			if onReject != nil {
				onReject(f.err)
			}
			return
		}
		if onResolve != nil {
			onResolve(f.value)
		}
	}

	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		call()
		return
	default:
	}
	f.subs = append(f.subs, call)
	f.mu.Unlock()
}

// Map returns a future settled with fn applied to f's outcome. fn sees the
// error too, so it can translate failures as well as values.
func Map[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	out := New[U]()
	apply := func() { out.settle(fn(f.value, f.err)) }
	f.Then(func(any) { apply() }, func(error) { apply() })
	return out
}
