// Package watch provides a single-slot observable value. A writer replaces the
// value; readers either read the latest value or wait for the next change.
// Readers never see intermediate values that were overwritten before they
// looked.
package watch

import (
	"context"
	"sync"
)

// Value holds the latest value of type T and notifies waiters on every Set.
type Value[T any] struct {
	mu      sync.Mutex
	val     T
	set     bool
	changed chan struct{}
}

// New creates an empty Value.
func New[T any]() *Value[T] {
	return &Value[T]{changed: make(chan struct{})}
}

// NewWith creates a Value holding an initial value.
func NewWith[T any](initial T) *Value[T] {
	v := New[T]()
	v.val = initial
	v.set = true
	return v
}

// Set replaces the stored value and wakes all current waiters.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.val = val
	v.set = true
	close(v.changed)
	v.changed = make(chan struct{})
}

// Get returns the latest value and whether any value has been set.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val, v.set
}

// Changed returns a channel closed on the next Set. Callers must re-fetch the
// channel after every wakeup; a single channel fires at most once.
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

// Wait blocks until a value has been set, then returns the latest one.
func (v *Value[T]) Wait(ctx context.Context) (T, error) {
	for {
		v.mu.Lock()
		if v.set {
			val := v.val
			v.mu.Unlock()
			return val, nil
		}
		ch := v.changed
		v.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-ch:
		}
	}
}

// Counter is a Value specialized for monotonically increasing identifiers:
// SetMax keeps the highest value ever observed, so a slow reader can never
// lose the newest identifier to a racing older write.
type Counter struct {
	inner *Value[int64]
}

// NewCounter creates a Counter starting at initial.
func NewCounter(initial int64) *Counter {
	return &Counter{inner: NewWith(initial)}
}

// SetMax raises the stored value to id if id is greater.
func (c *Counter) SetMax(id int64) {
	c.inner.mu.Lock()
	defer c.inner.mu.Unlock()
	if id > c.inner.val {
		c.inner.val = id
		close(c.inner.changed)
		c.inner.changed = make(chan struct{})
	}
}

// Get returns the highest value observed so far.
func (c *Counter) Get() int64 {
	v, _ := c.inner.Get()
	return v
}

// Changed returns a channel closed on the next raise.
func (c *Counter) Changed() <-chan struct{} {
	return c.inner.Changed()
}
