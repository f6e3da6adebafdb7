// Package swr implements stale-while-revalidate reads on top of the cache,
// coord, bus and schedule packages.
//
// A Controller is the composition root: it owns the store, the request
// coordinator, the invalidation bus subscription and the refresh scheduler.
// Resolve serves fresh values directly, returns stale values immediately
// while a throttled background revalidation runs, and performs a shared
// foreground fetch on a miss. Watch returns a Handle that follows one key
// through the State machine and revalidates on mount, focus, interval and
// invalidation.
package swr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IvanBrykalov/swrcache/bus"
	"github.com/IvanBrykalov/swrcache/cache"
	"github.com/IvanBrykalov/swrcache/coord"
	"github.com/IvanBrykalov/swrcache/internal/singleflight"
	"github.com/IvanBrykalov/swrcache/rules"
	"github.com/IvanBrykalov/swrcache/schedule"
	"github.com/apex/log"
	"golang.org/x/sync/semaphore"
)

// Result is what a caller sees for a key.
type Result[V any] struct {
	Value    V
	HasValue bool
	// IsLoading is set while a fetch runs and no value is available.
	IsLoading bool
	// IsValidating is set while a fetch runs for a key that has a value.
	IsValidating bool
	IsStale      bool
	// Err is the last fetch failure, paired with the best available value.
	Err         error
	LastUpdated time.Time
	State       State
}

// registration is the fetcher and options last used for a key; background
// revalidations reuse it.
type registration[V any] struct {
	fetch Fetcher[V]
	opts  Options
}

// Controller coordinates reads, fetches and invalidations. Safe for
// concurrent use.
type Controller[V any] struct {
	store     cache.Cache[V]
	ownsStore bool
	coord     *coord.Coordinator
	bus       *bus.Bus
	sched     *schedule.Scheduler
	rules     *rules.Table
	metrics   Metrics
	log       log.Interface
	clock     cache.Clock
	sem       *semaphore.Weighted
	flights   singleflight.Group[string, V]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()

	// commitMu orders store commits against invalidations, so a fetch that
	// started before an invalidation never lands after it.
	commitMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	fetchers map[string]registration[V]
	errs     map[string]error
	handles  map[string]map[*Handle[V]]struct{}
	visible  bool
}

// New builds a Controller, filling nil collaborators with defaults.
func New[V any](cfg Config[V]) *Controller[V] {
	lg := cfg.Logger
	if lg == nil {
		lg = log.Log
	}
	c := &Controller[V]{
		store:    cfg.Store,
		coord:    cfg.Coordinator,
		bus:      cfg.Bus,
		rules:    cfg.Rules,
		metrics:  cfg.Metrics,
		log:      lg,
		clock:    cfg.Clock,
		fetchers: make(map[string]registration[V]),
		errs:     make(map[string]error),
		handles:  make(map[string]map[*Handle[V]]struct{}),
		visible:  true,
	}
	if c.store == nil {
		c.store = cache.New(cache.Options[V]{
			Capacity:    cfg.Capacity,
			StaleWindow: cfg.StaleWindow,
			Metrics:     cfg.CacheMetrics,
			Clock:       cfg.Clock,
		})
		c.ownsStore = true
	}
	if c.coord == nil {
		lt := cfg.LockTimeout
		if lt == 0 {
			lt = DefaultLockTimeout
		}
		c.coord = coord.New(coord.Options{LockTimeout: max(lt, 0), Clock: cfg.Clock, Logger: lg})
	}
	if c.bus == nil {
		c.bus = bus.New(bus.Options{Logger: lg})
	}
	if c.rules == nil {
		c.rules = rules.Default()
	}
	if c.metrics == nil {
		c.metrics = NoopMetrics{}
	}
	n := cfg.MaxBackground
	if n <= 0 {
		n = DefaultMaxBackground
	}
	c.sem = semaphore.NewWeighted(n)

	sc := cfg.Schedule
	if sc.Logger == nil {
		sc.Logger = lg
	}
	if sc.Clock == nil {
		sc.Clock = cfg.Clock
	}
	c.sched = schedule.New(sc, c.onSchedule)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	// Registered first so the store is cleared before any handle reacts.
	c.unsub = c.bus.Subscribe(bus.Group(""), c.onInvalidate)
	return c
}

// Store exposes the underlying cache.
func (c *Controller[V]) Store() cache.Cache[V] { return c.store }

// Bus exposes the invalidation bus, e.g. for realtime notifications.
func (c *Controller[V]) Bus() *bus.Bus { return c.bus }

// Scheduler exposes the refresh scheduler.
func (c *Controller[V]) Scheduler() *schedule.Scheduler { return c.sched }

// Coordinator exposes the request coordinator.
func (c *Controller[V]) Coordinator() *coord.Coordinator { return c.coord }

// OptionsFor returns the rules-derived options for key.
func (c *Controller[V]) OptionsFor(key string) Options {
	return FromPolicy(c.rules.Lookup(key))
}

// Resolve is ResolveWith using OptionsFor(key).
func (c *Controller[V]) Resolve(ctx context.Context, key string, fetch Fetcher[V]) Result[V] {
	return c.ResolveWith(ctx, key, fetch, c.OptionsFor(key))
}

// ResolveWith returns the value for key.
//
// A fresh hit returns immediately. A stale hit returns the stale value with
// IsStale set and triggers a throttled background revalidation. A miss
// fetches in the foreground; concurrent callers share that fetch. If ctx ends
// first, the fetch keeps running for other callers and the result carries
// ctx.Err() with IsLoading set.
func (c *Controller[V]) ResolveWith(ctx context.Context, key string, fetch Fetcher[V], opts Options) Result[V] {
	if err := c.check(key, fetch); err != nil {
		return Result[V]{Err: err, State: StateError}
	}
	c.register(key, fetch, opts)

	if e, ok := c.store.Get(key); ok {
		if e.Fresh {
			return c.fromEntry(e, nil, StateSuccess)
		}
		c.trigger(schedule.Request{Key: key, Reason: schedule.ReasonStale, MinInterval: opts.MinInterval})
		return c.snapshot(key)
	}

	call, err := c.start(key, fetch, opts, false, false)
	if err != nil {
		return Result[V]{Err: err, State: StateError}
	}
	c.sched.Touch(key)
	return c.await(ctx, key, call)
}

// Refresh revalidates key unless it ran within its MinInterval, joining any
// fetch already in flight. It blocks until that fetch finishes.
func (c *Controller[V]) Refresh(ctx context.Context, key string, fetch Fetcher[V]) Result[V] {
	return c.refresh(ctx, key, fetch, c.OptionsFor(key))
}

func (c *Controller[V]) refresh(ctx context.Context, key string, fetch Fetcher[V], opts Options) Result[V] {
	if err := c.check(key, fetch); err != nil {
		return Result[V]{Err: err, State: StateError}
	}
	c.register(key, fetch, opts)

	if !c.trigger(schedule.Request{Key: key, Reason: schedule.ReasonManual, MinInterval: opts.MinInterval}) {
		return c.snapshot(key)
	}
	call := c.flights.Current(key)
	if call == nil {
		return c.snapshot(key)
	}
	return c.await(ctx, key, call)
}

// Revalidate fetches key now, bypassing throttling. An in-flight fetch for
// key is superseded: its result is discarded even if it finishes later.
func (c *Controller[V]) Revalidate(ctx context.Context, key string, fetch Fetcher[V]) Result[V] {
	return c.revalidate(ctx, key, fetch, c.OptionsFor(key))
}

func (c *Controller[V]) revalidate(ctx context.Context, key string, fetch Fetcher[V], opts Options) Result[V] {
	if err := c.check(key, fetch); err != nil {
		return Result[V]{Err: err, State: StateError}
	}
	c.register(key, fetch, opts)

	call, err := c.start(key, fetch, opts, true, false)
	if err != nil {
		return Result[V]{Err: err, State: StateError}
	}
	c.sched.Touch(key)
	return c.await(ctx, key, call)
}

// Mutate writes v for key as of now and notifies watchers. With revalidate
// set, a forced background fetch using the key's last fetcher follows.
func (c *Controller[V]) Mutate(ctx context.Context, key string, v V, revalidate bool) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	reg, ok := c.registration(key)
	opts := reg.opts
	if !ok {
		opts = c.OptionsFor(key)
	}

	at := c.now()
	if !c.store.SetAt(key, v, at, opts.TTL, opts.Priority) {
		c.metrics.Rejected()
		c.log.WithField("key", key).Debug("swr: mutation older than resident entry dropped")
	} else {
		c.setErr(key, nil)
		c.notify(key, event[V]{kind: eventCommit, value: v, at: at})
	}

	if !revalidate {
		return nil
	}
	if !ok {
		c.log.WithField("key", key).Debug("swr: no fetcher registered, skipping revalidation")
		return nil
	}
	_, err := c.start(key, reg.fetch, opts, true, true)
	c.sched.Touch(key)
	return err
}

// Invalidate publishes a key invalidation on the bus. The store entry is
// removed and watchers of key revalidate after the debounce window.
func (c *Controller[V]) Invalidate(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	c.bus.Emit(bus.Key(key), "swr")
	return nil
}

// InvalidateGroup publishes a group invalidation for every key starting with
// prefix. The empty prefix invalidates everything.
func (c *Controller[V]) InvalidateGroup(prefix string) {
	c.bus.Emit(bus.Group(prefix), "swr")
}

// Focus signals that the application regained focus. Watchers with
// RevalidateOnFocus revalidate, subject to throttling.
func (c *Controller[V]) Focus() {
	for _, h := range c.allHandles() {
		if h.opts.RevalidateOnFocus {
			c.trigger(schedule.Request{Key: h.key, Reason: schedule.ReasonFocus, MinInterval: h.opts.MinInterval})
		}
	}
}

// SetVisible pauses interval revalidation while hidden. Becoming visible
// counts as a focus.
func (c *Controller[V]) SetVisible(v bool) {
	c.mu.Lock()
	was := c.visible
	c.visible = v
	c.mu.Unlock()

	c.sched.SetVisible(v)
	if v && !was {
		c.Focus()
	}
}

// SetNavigating holds non-forced revalidations while a navigation runs.
func (c *Controller[V]) SetNavigating(on bool) { c.sched.SetNavigating(on) }

// Close closes all handles, stops the scheduler, cancels running fetches
// and waits for background work. The store is closed if the controller
// created it.
func (c *Controller[V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, h := range c.allHandles() {
		h.Close()
	}
	c.unsub()
	c.sched.Close()
	c.cancel()
	c.wg.Wait()

	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}

// ---- flights ----

// start joins the in-flight fetch for key or leads a new one. force
// supersedes the current flight; a stuck lock holder is superseded too.
func (c *Controller[V]) start(key string, fetch Fetcher[V], opts Options, force, background bool) (*singleflight.Call[V], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	var stuck *singleflight.Call[V]
	if c.coord.Stuck(key) {
		stuck = c.flights.Current(key)
		force = true
	}
	call, leader := c.flights.Join(key, force, func() uint64 {
		return c.coord.Register(key, opts.Priority)
	})
	if !leader {
		c.wg.Done()
		c.metrics.Deduplicated()
		return call, nil
	}

	c.notify(key, event[V]{kind: eventBegin})
	go c.lead(key, call, fetch, opts, background)

	// The stuck fetch may never return; release its waiters now.
	if stuck != nil && stuck != call {
		c.log.WithFields(log.Fields{"key": key, "id": stuck.ID}).Warn("swr: abandoning stuck fetch")
		c.flights.Finish(key, stuck, *new(V), coord.ErrLockTimeout)
	}
	return call, nil
}

func (c *Controller[V]) lead(key string, call *singleflight.Call[V], fetch Fetcher[V], opts Options, background bool) {
	defer c.wg.Done()

	lease, ok := c.coord.Hold(key, call.ID)
	defer lease.End()
	if !ok {
		// A newer request took the lock between registration and Hold.
		v, err := c.follow(key, call)
		lease.End()
		c.flights.Finish(key, call, v, err)
		return
	}

	if background {
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			lease.End()
			c.flights.Finish(key, call, *new(V), err)
			return
		}
		defer c.sem.Release(1)
	}

	started := c.now()
	v, attempts, err := c.fetch(key, fetch, opts, lease.Cancelled)
	c.metrics.Fetch(c.now().Sub(started), err)

	if lease.Cancelled() {
		reason := lease.Err()
		lease.End()
		if errors.Is(reason, coord.ErrLockTimeout) {
			c.flights.Finish(key, call, *new(V), reason)
			return
		}
		c.metrics.Discarded()
		c.log.WithFields(log.Fields{"key": key, "id": call.ID}).Debug("swr: superseded result discarded")
		v, err = c.follow(key, call)
		c.flights.Finish(key, call, v, err)
		return
	}

	if err != nil {
		ferr := &FetchError{Key: key, Attempts: attempts, Err: err}
		c.log.WithFields(log.Fields{
			"key":      key,
			"attempts": attempts,
			"error":    err.Error(),
		}).Warn("swr: fetch failed")
		if !lease.Invalidated() {
			c.setErr(key, ferr)
		}
		lease.End()
		c.notify(key, event[V]{kind: eventError, err: ferr})
		c.flights.Finish(key, call, *new(V), ferr)
		return
	}

	c.commitMu.Lock()
	if lease.Invalidated() {
		c.commitMu.Unlock()
		c.metrics.Discarded()
		c.log.WithFields(log.Fields{"key": key, "id": call.ID}).Debug("swr: result predates invalidation, not stored")
		lease.End()
		// Waiters still get the value they asked for; the next read refetches.
		c.flights.Finish(key, call, v, nil)
		return
	}
	stored := c.store.SetAt(key, v, started, opts.TTL, opts.Priority)
	c.commitMu.Unlock()

	at := started
	if !stored {
		c.metrics.Rejected()
		c.log.WithFields(log.Fields{"key": key, "id": call.ID}).Debug("swr: out-of-order write dropped")
		if e, ok := c.store.Get(key); ok {
			v, at = e.Value, e.StoredAt
		}
	}
	c.setErr(key, nil)
	lease.End()
	// Handles see the commit before waiters wake up.
	c.notify(key, event[V]{kind: eventCommit, value: v, at: at})
	c.flights.Finish(key, call, v, nil)
}

// follow resolves a superseded call to the newer flight's outcome, or to
// the committed value once that flight is done.
func (c *Controller[V]) follow(key string, call *singleflight.Call[V]) (V, error) {
	if cur := c.flights.Current(key); cur != nil && cur != call {
		return cur.Wait(c.ctx)
	}
	if e, ok := c.store.Get(key); ok {
		return e.Value, nil
	}
	var zero V
	if err := c.lastErr(key); err != nil {
		return zero, err
	}
	return zero, coord.ErrSuperseded
}

// fetch runs fn with the timeout race and bounded retries.
func (c *Controller[V]) fetch(key string, fn Fetcher[V], opts Options, cancelled func() bool) (v V, attempts int, err error) {
	r := opts.Retry.normalize()
	delay := r.BaseDelay
	for attempts = 1; ; attempts++ {
		v, err = c.attempt(key, fn, opts.Timeout)
		if err == nil || attempts >= r.Attempts || c.ctx.Err() != nil || cancelled() {
			return v, attempts, err
		}

		var wait time.Duration
		wait, delay = r.backoff(delay)
		c.log.WithFields(log.Fields{
			"key":     key,
			"attempt": attempts,
			"wait":    wait.String(),
		}).Debug("swr: retrying fetch")

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
			return v, attempts, err
		}
	}
}

type outcome[V any] struct {
	v   V
	err error
}

func (c *Controller[V]) attempt(key string, fn Fetcher[V], timeout time.Duration) (V, error) {
	if timeout <= 0 {
		return safeCall(c.ctx, key, fn)
	}

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	ch := make(chan outcome[V], 1)
	go func() {
		v, err := safeCall(ctx, key, fn)
		ch <- outcome[V]{v, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && c.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.v, ErrFetchTimeout
		}
		return o.v, o.err
	case <-ctx.Done():
		var zero V
		if err := c.ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrFetchTimeout
	}
}

func safeCall[V any](ctx context.Context, key string, fn Fetcher[V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return fn(ctx, key)
}

func (c *Controller[V]) await(ctx context.Context, key string, call *singleflight.Call[V]) Result[V] {
	v, err := call.Wait(ctx)
	res := c.snapshot(key)
	switch {
	case err == nil:
		if !res.HasValue {
			res.Value, res.HasValue, res.IsLoading = v, true, false
		}
		res.Err = nil
		if !res.IsValidating {
			res.State = StateSuccess
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.Err = err
	default:
		res.Err = err
		res.State = StateError
	}
	return res
}

// ---- scheduling ----

func (c *Controller[V]) trigger(req schedule.Request) bool {
	switch c.sched.Trigger(req) {
	case schedule.DecisionRun:
		return true
	case schedule.DecisionThrottled:
		c.metrics.Throttled()
	}
	return false
}

// onSchedule runs accepted scheduler triggers as background fetches.
// Invalidations and mutations supersede whatever is in flight.
func (c *Controller[V]) onSchedule(key string, reason schedule.Reason) {
	reg, ok := c.registration(key)
	if !ok {
		c.log.WithFields(log.Fields{"key": key, "reason": reason.String()}).Debug("swr: no fetcher registered")
		return
	}
	force := reason == schedule.ReasonInvalidate || reason == schedule.ReasonMutate
	if _, err := c.start(key, reg.fetch, reg.opts, force, true); err != nil {
		c.log.WithField("key", key).WithError(err).Debug("swr: revalidation not started")
	}
}

// onInvalidate drops matching entries and marks in-flight requests for
// matching keys so their results are not stored.
func (c *Controller[V]) onInvalidate(ev bus.Event) {
	c.commitMu.Lock()
	c.coord.Invalidate(ev.MatchesKey)
	switch ev.Scope {
	case bus.ScopeKey:
		c.store.Invalidate(ev.Value)
	case bus.ScopeGroup:
		c.store.InvalidateGroup(ev.Value)
	}
	c.commitMu.Unlock()

	c.mu.Lock()
	for k := range c.errs {
		if ev.MatchesKey(k) {
			delete(c.errs, k)
		}
	}
	c.mu.Unlock()
}

// ---- state ----

func (c *Controller[V]) check(key string, fetch Fetcher[V]) error {
	switch {
	case key == "":
		return ErrEmptyKey
	case fetch == nil:
		return ErrNilFetcher
	case c.isClosed():
		return ErrClosed
	}
	return nil
}

func (c *Controller[V]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller[V]) register(key string, fetch Fetcher[V], opts Options) {
	c.mu.Lock()
	c.fetchers[key] = registration[V]{fetch: fetch, opts: opts}
	c.mu.Unlock()
}

func (c *Controller[V]) registration(key string) (registration[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.fetchers[key]
	return r, ok
}

func (c *Controller[V]) setErr(key string, err error) {
	c.mu.Lock()
	if err == nil {
		delete(c.errs, key)
	} else {
		c.errs[key] = err
	}
	c.mu.Unlock()
}

func (c *Controller[V]) lastErr(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs[key]
}

// snapshot describes key from the store, the last error and the flight group.
func (c *Controller[V]) snapshot(key string) Result[V] {
	inFlight := c.flights.Current(key) != nil
	err := c.lastErr(key)

	e, ok := c.store.Get(key)
	if !ok {
		res := Result[V]{Err: err, IsLoading: inFlight}
		switch {
		case inFlight:
			res.State = StateLoading
		case err != nil:
			res.State = StateError
		default:
			res.State = StateIdle
		}
		return res
	}

	state := StateSuccess
	switch {
	case inFlight:
		state = StateValidating
	case err != nil:
		state = StateError
	case !e.Fresh:
		state = StateStale
	}
	res := c.fromEntry(e, err, state)
	res.IsValidating = inFlight
	return res
}

func (c *Controller[V]) fromEntry(e cache.Entry[V], err error, state State) Result[V] {
	return Result[V]{
		Value:       e.Value,
		HasValue:    true,
		IsStale:     !e.Fresh,
		Err:         err,
		LastUpdated: e.StoredAt,
		State:       state,
	}
}

func (c *Controller[V]) now() time.Time {
	if c.clock != nil {
		return time.Unix(0, c.clock.NowUnixNano())
	}
	return time.Now()
}

// ---- handles ----

func (c *Controller[V]) addHandle(h *Handle[V]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	set := c.handles[h.key]
	if set == nil {
		set = make(map[*Handle[V]]struct{})
		c.handles[h.key] = set
	}
	set[h] = struct{}{}
	return true
}

func (c *Controller[V]) removeHandle(h *Handle[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.handles[h.key]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(c.handles, h.key)
		}
	}
}

func (c *Controller[V]) allHandles() []*Handle[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Handle[V]
	for _, set := range c.handles {
		for h := range set {
			out = append(out, h)
		}
	}
	return out
}

func (c *Controller[V]) notify(key string, ev event[V]) {
	c.mu.Lock()
	hs := make([]*Handle[V], 0, len(c.handles[key]))
	for h := range c.handles[key] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h.apply(ev)
	}
}
