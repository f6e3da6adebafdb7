// Package schedule decides when a background revalidation should run.
//
// A Scheduler throttles triggers per key, collapses bursts with a debounce
// window, holds non-forced triggers while a navigation is in progress, and
// drives interval revalidation that pauses while the application is hidden.
// It never fetches anything itself: accepted triggers are handed to the run
// callback passed to New.
package schedule

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/swrcache/cache"
	"github.com/apex/log"
)

const (
	DefaultMinInterval    = 2 * time.Second
	DefaultDebounceWindow = 300 * time.Millisecond
)

// Reason says why a revalidation was requested.
type Reason int

const (
	ReasonManual Reason = iota
	ReasonMount
	ReasonFocus
	ReasonInterval
	ReasonStale
	ReasonInvalidate
	ReasonMutate
)

func (r Reason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonMount:
		return "mount"
	case ReasonFocus:
		return "focus"
	case ReasonInterval:
		return "interval"
	case ReasonStale:
		return "stale"
	case ReasonInvalidate:
		return "invalidate"
	case ReasonMutate:
		return "mutate"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Trigger.
type Decision int

const (
	// DecisionRun means run was called.
	DecisionRun Decision = iota
	// DecisionThrottled means the key ran too recently.
	DecisionThrottled
	// DecisionQueued means the trigger waits for the navigation to end.
	DecisionQueued
	// DecisionClosed means the scheduler is closed.
	DecisionClosed
)

func (d Decision) String() string {
	switch d {
	case DecisionRun:
		return "run"
	case DecisionThrottled:
		return "throttled"
	case DecisionQueued:
		return "queued"
	case DecisionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Request is one revalidation trigger.
type Request struct {
	Key    string
	Reason Reason
	// MinInterval overrides Config.MinInterval for this key when > 0.
	MinInterval time.Duration
	// Force skips throttling and the navigation queue.
	Force bool
}

// Config tunes a Scheduler. Zero values select the defaults; a negative
// MinInterval disables throttling.
type Config struct {
	MinInterval    time.Duration
	DebounceWindow time.Duration
	// Clock stamps runs for throttling. Nil => time.Now(). Debounce and
	// interval timers always run on wall time.
	Clock  cache.Clock
	Logger log.Interface
}

type debounced struct {
	req   Request
	timer *time.Timer
	gen   uint64
}

// Scheduler is safe for concurrent use. run may be called from any
// goroutine, including timer goroutines, but never under the scheduler lock.
type Scheduler struct {
	cfg Config
	run func(key string, reason Reason)
	log log.Interface

	visible atomic.Bool

	mu         sync.Mutex
	closed     bool
	last       map[string]time.Time
	pending    map[string]*debounced
	navigating bool
	queue      []Request
	queued     map[string]int
	tickers    map[int]chan struct{}
	nextTicker int
	wg         sync.WaitGroup
}

// New returns a visible, idle scheduler.
func New(cfg Config, run func(key string, reason Reason)) *Scheduler {
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.Log
	}
	if run == nil {
		run = func(string, Reason) {}
	}
	s := &Scheduler{
		cfg:     cfg,
		run:     run,
		log:     lg,
		last:    make(map[string]time.Time),
		pending: make(map[string]*debounced),
		queued:  make(map[string]int),
		tickers: make(map[int]chan struct{}),
	}
	s.visible.Store(true)
	return s
}

// Trigger runs, throttles, or queues a revalidation for req.Key.
func (s *Scheduler) Trigger(req Request) Decision {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return DecisionClosed
	}
	if s.navigating && !req.Force {
		s.enqueueLocked(req)
		s.mu.Unlock()
		return DecisionQueued
	}
	now := s.now()
	if !req.Force {
		if last, ok := s.last[req.Key]; ok && now.Sub(last) < s.minInterval(req) {
			s.mu.Unlock()
			s.log.WithFields(log.Fields{
				"key":    req.Key,
				"reason": req.Reason.String(),
			}).Debug("revalidation throttled")
			return DecisionThrottled
		}
	}
	s.last[req.Key] = now
	s.mu.Unlock()

	s.run(req.Key, req.Reason)
	return DecisionRun
}

func (s *Scheduler) minInterval(req Request) time.Duration {
	if req.MinInterval > 0 {
		return req.MinInterval
	}
	return s.cfg.MinInterval
}

func (s *Scheduler) now() time.Time {
	if s.cfg.Clock != nil {
		return time.Unix(0, s.cfg.Clock.NowUnixNano())
	}
	return time.Now()
}

// enqueueLocked keeps one queued request per key at its first position.
func (s *Scheduler) enqueueLocked(req Request) {
	if i, ok := s.queued[req.Key]; ok {
		if req.MinInterval > 0 {
			s.queue[i].MinInterval = req.MinInterval
		}
		return
	}
	s.queued[req.Key] = len(s.queue)
	s.queue = append(s.queue, req)
}

// Touch records a run of key that happened outside the scheduler, such as a
// foreground fetch, so the throttle window starts now.
func (s *Scheduler) Touch(key string) {
	s.mu.Lock()
	s.last[key] = s.now()
	s.mu.Unlock()
}

// LastRun reports when key last ran or was touched.
func (s *Scheduler) LastRun(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[key]
	return t, ok
}

// Forget drops the throttle history of key.
func (s *Scheduler) Forget(key string) {
	s.mu.Lock()
	delete(s.last, key)
	s.mu.Unlock()
}

// Debounce collapses bursts of requests per key into a single Trigger once
// no new request arrived for the debounce window. A forced request keeps the
// collapsed trigger forced.
func (s *Scheduler) Debounce(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	d, ok := s.pending[req.Key]
	if ok {
		d.timer.Stop()
		req.Force = req.Force || d.req.Force
		d.req = req
	} else {
		d = &debounced{req: req}
		s.pending[req.Key] = d
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(s.cfg.DebounceWindow, func() { s.fire(req.Key, d, gen) })
}

func (s *Scheduler) fire(key string, d *debounced, gen uint64) {
	s.mu.Lock()
	// Protects against a race with Flush or a newer Debounce.
	if s.pending[key] != d || d.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	req := d.req
	s.mu.Unlock()

	s.Trigger(req)
}

// Pending reports how many keys wait on a debounce timer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush fires every pending debounced request immediately and blocks until
// their triggers return.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	reqs := make([]Request, 0, len(s.pending))
	for key, d := range s.pending {
		d.timer.Stop()
		delete(s.pending, key)
		reqs = append(reqs, d.req)
	}
	s.mu.Unlock()

	for _, req := range reqs {
		s.Trigger(req)
	}
}

// SetNavigating marks the start or end of a navigation. While navigating,
// non-forced triggers are queued; ending the navigation replays them in
// arrival order.
func (s *Scheduler) SetNavigating(on bool) {
	s.mu.Lock()
	s.navigating = on
	if on || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	queue := s.queue
	s.queue = nil
	s.queued = make(map[string]int)
	s.mu.Unlock()

	for _, req := range queue {
		s.Trigger(req)
	}
}

// Navigating reports whether a navigation is in progress.
func (s *Scheduler) Navigating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigating
}

// SetVisible toggles visibility. Interval ticks are skipped while hidden.
func (s *Scheduler) SetVisible(v bool) { s.visible.Store(v) }

// Visible reports the current visibility.
func (s *Scheduler) Visible() bool { return s.visible.Load() }

// Every triggers key every interval while visible, throttled by minInterval
// (0 uses the configured default). The returned stop is idempotent.
func (s *Scheduler) Every(key string, interval, minInterval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextTicker
	s.nextTicker++
	done := make(chan struct{})
	s.tickers[id] = done
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if !s.Visible() {
					continue
				}
				s.Trigger(Request{Key: key, Reason: ReasonInterval, MinInterval: minInterval})
			}
		}
	}()

	return func() {
		s.mu.Lock()
		if ch, ok := s.tickers[id]; ok {
			delete(s.tickers, id)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Close stops all timers and intervals, drops queued triggers, and waits for
// interval goroutines to exit. Later triggers return DecisionClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, d := range s.pending {
		d.timer.Stop()
		delete(s.pending, key)
	}
	for id, ch := range s.tickers {
		delete(s.tickers, id)
		close(ch)
	}
	s.queue = nil
	s.queued = make(map[string]int)
	s.mu.Unlock()

	s.wg.Wait()
}
