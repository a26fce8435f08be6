// Package future provides a single-assignment completion handle.
package future

import (
	"context"
	"sync"
)

// Future is resolved at most once. Readers block on Done or Wait; every
// reader observes the same value.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve stores v and wakes all waiters. Only the first call has any
// effect; it reports whether this call won.
func (f *Future[T]) Resolve(v T) bool {
	won := false
	f.once.Do(func() {
		f.value = v
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether Resolve has been called.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Value returns the resolved value and true, or the zero value and false
// when the future is still pending.
func (f *Future[T]) Value() (T, bool) {
	if !f.Resolved() {
		var zero T
		return zero, false
	}
	return f.value, true
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
