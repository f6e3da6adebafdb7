// Package singleflight shares one in-flight call per key between concurrent
// callers.
package singleflight

import (
	"context"
	"sync"
	"sync/atomic"
)

// Group coalesces concurrent calls for the same key K.
//
// Concurrency notes:
//   - Join either returns the key's in-flight call or starts a new one; the
//     decision and the stamping of the new call happen under one lock, so
//     call ids are ordered the same way as calls in the group.
//   - A forced Join replaces the current call. The replaced call keeps
//     running and its waiters receive the first result published for it,
//     by its leader or by whoever finished it early.
//   - Publishing (val, err) happens-before close(done), so reads after
//     <-done observe the final values.
//   - Cancelling ctx in a waiter unblocks only that waiter.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*Call[V]
}

// Call is one in-flight operation.
type Call[V any] struct {
	// ID is the value returned by the begin hook passed to Join.
	ID uint64

	done chan struct{}
	once sync.Once
	val  V
	err  error
	dups atomic.Int32
}

// Join returns the in-flight call for key, or starts a new one when there is
// none or force is set. begin runs under the group lock only when a new call
// is created and its result becomes Call.ID. leader reports whether the
// caller created the call and must Finish it.
func (g *Group[K, V]) Join(key K, force bool, begin func() uint64) (c *Call[V], leader bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.m == nil {
		g.m = make(map[K]*Call[V])
	}
	if cur, ok := g.m[key]; ok && !force {
		cur.dups.Add(1)
		return cur, false
	}

	c = &Call[V]{done: make(chan struct{})}
	if begin != nil {
		c.ID = begin()
	}
	g.m[key] = c
	return c, true
}

// Current returns the newest in-flight call for key, or nil.
func (g *Group[K, V]) Current(key K) *Call[V] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[key]
}

// Finish publishes the result of c and wakes its waiters. The in-flight
// marker is removed first, and only if c is still the key's current call, so
// woken waiters never observe c as in flight. Only the first Finish of a call
// publishes; it reports whether this one did.
func (g *Group[K, V]) Finish(key K, c *Call[V], v V, err error) (published bool) {
	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()

	c.once.Do(func() {
		c.val, c.err = v, err
		close(c.done)
		published = true
	})
	return published
}

// Do runs fn once for key; concurrent callers wait for the shared result.
// shared reports whether the result was produced by another caller.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (v V, err error, shared bool) {
	c, leader := g.Join(key, false, nil)
	if !leader {
		v, err = c.Wait(ctx)
		return v, err, true
	}
	v, err = fn()
	g.Finish(key, c, v, err)
	return v, err, false
}

// Len returns the number of keys with an in-flight call.
func (g *Group[K, V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// Wait blocks until the call finishes or ctx is done.
func (c *Call[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Done is closed when the result is published.
func (c *Call[V]) Done() <-chan struct{} { return c.done }

// Dups returns how many callers joined this call after it started.
func (c *Call[V]) Dups() int { return int(c.dups.Load()) }
