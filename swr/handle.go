package swr

import (
	"context"
	"sync"
	"time"

	"github.com/IvanBrykalov/swrcache/bus"
	"github.com/IvanBrykalov/swrcache/schedule"
	"github.com/apex/log"
)

type eventKind int

const (
	eventBegin eventKind = iota
	eventCommit
	eventError
	eventInvalidate
)

// event is a key-level change broadcast to handles.
type event[V any] struct {
	kind  eventKind
	value V
	at    time.Time
	err   error
}

// Handle is one caller's view of a key. It follows the key through the
// State machine and revalidates on mount, focus, interval and invalidation
// according to its Options. After Close it never changes again, although
// fetches it started still commit to the shared store.
type Handle[V any] struct {
	c     *Controller[V]
	key   string
	fetch Fetcher[V]
	opts  Options
	log   log.Interface

	mu      sync.Mutex
	closed  bool
	snap    Result[V]
	changes chan struct{}

	unsub     func()
	stopEvery func()
}

// Watch mounts a handle on key. A missing value is fetched right away; a
// cached one is revalidated when stale or when RevalidateOnMount is set,
// subject to throttling.
func (c *Controller[V]) Watch(key string, fetch Fetcher[V], opts Options) (*Handle[V], error) {
	if err := c.check(key, fetch); err != nil {
		return nil, err
	}
	h := &Handle[V]{
		c:       c,
		key:     key,
		fetch:   fetch,
		opts:    opts,
		log:     c.log.WithField("key", key),
		snap:    Result[V]{State: StateIdle},
		changes: make(chan struct{}, 1),
	}
	if !c.addHandle(h) {
		return nil, ErrClosed
	}
	c.register(key, fetch, opts)
	h.unsub = c.bus.Subscribe(bus.Key(key), h.onInvalidate)

	e, cached := c.store.Get(key)
	if cached {
		state := StateSuccess
		if !e.Fresh {
			state = StateStale
		}
		seed := c.fromEntry(e, c.lastErr(key), state)
		h.set(state, func(r *Result[V]) { *r = seed })
	}
	if c.flights.Current(key) != nil {
		h.apply(event[V]{kind: eventBegin})
	}

	req := schedule.Request{Key: key, Reason: schedule.ReasonMount, MinInterval: opts.MinInterval}
	switch {
	case !cached:
		req.Force = true
		c.trigger(req)
	case !e.Fresh || opts.RevalidateOnMount:
		c.trigger(req)
	}

	if opts.RevalidateInterval > 0 {
		h.stopEvery = c.sched.Every(key, opts.RevalidateInterval, opts.MinInterval)
	}
	return h, nil
}

// Key returns the watched key.
func (h *Handle[V]) Key() string { return h.key }

// Snapshot returns the current view.
func (h *Handle[V]) Snapshot() Result[V] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// State returns the current state.
func (h *Handle[V]) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap.State
}

// Changes receives a signal after every state change. Signals coalesce; read
// Snapshot for the current view. The channel is closed by Close.
func (h *Handle[V]) Changes() <-chan struct{} { return h.changes }

// Refresh revalidates the key, subject to throttling.
func (h *Handle[V]) Refresh(ctx context.Context) Result[V] {
	h.c.refresh(ctx, h.key, h.fetch, h.opts)
	return h.Snapshot()
}

// Revalidate fetches the key now, superseding any in-flight fetch.
func (h *Handle[V]) Revalidate(ctx context.Context) Result[V] {
	h.c.revalidate(ctx, h.key, h.fetch, h.opts)
	return h.Snapshot()
}

// Mutate writes v optimistically; see Controller.Mutate.
func (h *Handle[V]) Mutate(ctx context.Context, v V, revalidate bool) error {
	h.c.register(h.key, h.fetch, h.opts)
	return h.c.Mutate(ctx, h.key, v, revalidate)
}

// Close detaches the handle. It is idempotent.
func (h *Handle[V]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.changes)
	h.mu.Unlock()

	h.c.removeHandle(h)
	h.unsub()
	if h.stopEvery != nil {
		h.stopEvery()
	}
}

func (h *Handle[V]) onInvalidate(bus.Event) {
	h.apply(event[V]{kind: eventInvalidate})
	h.c.sched.Debounce(schedule.Request{
		Key:         h.key,
		Reason:      schedule.ReasonInvalidate,
		MinInterval: h.opts.MinInterval,
		Force:       true,
	})
}

// apply moves the handle according to ev. Events that the transition table
// rejects from the current state are ignored.
func (h *Handle[V]) apply(ev event[V]) {
	switch ev.kind {
	case eventBegin:
		h.mu.Lock()
		next := StateValidating
		if !h.snap.HasValue {
			next = StateLoading
		}
		h.mu.Unlock()
		h.set(next, func(r *Result[V]) {
			r.IsLoading = !r.HasValue
			r.IsValidating = r.HasValue
		})
	case eventCommit:
		h.set(StateSuccess, func(r *Result[V]) {
			r.Value, r.HasValue = ev.value, true
			r.LastUpdated = ev.at
			r.IsLoading, r.IsValidating, r.IsStale = false, false, false
			r.Err = nil
		})
	case eventError:
		h.set(StateError, func(r *Result[V]) {
			r.IsLoading, r.IsValidating = false, false
			r.Err = ev.err
		})
	case eventInvalidate:
		h.mu.Lock()
		has := h.snap.HasValue
		h.mu.Unlock()
		if has {
			h.set(StateStale, func(r *Result[V]) { r.IsStale = true })
		}
	}
}

// set applies mutate and moves to next when the transition is allowed and
// the handle is open.
func (h *Handle[V]) set(next State, mutate func(r *Result[V])) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	cur := h.snap.State
	if !cur.CanTransition(next) {
		h.log.WithFields(log.Fields{"from": cur.String(), "to": next.String()}).Debug("swr: transition ignored")
		return
	}
	mutate(&h.snap)
	h.snap.State = next

	select {
	case h.changes <- struct{}{}:
	default:
	}
}
