// Package coord arbitrates concurrent requests for the same cache key.
//
// Every request gets an id from Register; ids are strictly increasing. At
// most one request per key holds the lock (StatusActive). A registration
// newer than the lock holder supersedes it: the newer request may take the
// lock, and the older one learns through ShouldCancel that its result must
// be discarded even if its fetch succeeds. A holder that keeps the lock
// past Options.LockTimeout is force-released so the key cannot deadlock.
//
// The coordinator performs no I/O; it only tracks ids and statuses.
package coord

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/swrcache/cache"
	"github.com/apex/log"
	"go.trai.ch/zerr"
)

var (
	// ErrSuperseded marks a request whose result lost to a newer request.
	// It is never surfaced to callers as a failure.
	ErrSuperseded = zerr.New("request superseded by a newer request")

	// ErrLockTimeout marks a request that held the key lock longer than
	// Options.LockTimeout and was force-released.
	ErrLockTimeout = zerr.New("request lock held beyond timeout")
)

// Status is the lifecycle state of a request record.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusCancelled
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Record is a snapshot of one request.
type Record struct {
	Key        string
	ID         uint64
	Priority   cache.Priority
	Status     Status
	StartedAt  time.Time
	AcquiredAt time.Time
	// Err is ErrSuperseded or ErrLockTimeout for cancelled records.
	Err error
	// Invalidated is set when the key was invalidated after the request
	// was registered. Its result may still be returned but not stored.
	Invalidated bool
}

// Options configures a Coordinator.
type Options struct {
	// LockTimeout force-releases a lock held longer than this. 0 disables it.
	LockTimeout time.Duration
	// Clock overrides the time source. Nil => time.Now().
	Clock cache.Clock
	// Logger receives lock-timeout warnings. Nil => log.Log.
	Logger log.Interface
}

// Coordinator tracks request records per key. Safe for concurrent use.
type Coordinator struct {
	mu   sync.Mutex
	keys map[string]*keyState
	seq  atomic.Uint64
	opt  Options
}

type keyState struct {
	latest  uint64
	active  uint64 // 0 = unlocked
	records map[uint64]*Record
}

// New returns a Coordinator.
func New(opt Options) *Coordinator {
	if opt.Logger == nil {
		opt.Logger = log.Log
	}
	return &Coordinator{keys: make(map[string]*keyState), opt: opt}
}

// Register allocates a new request id for key and marks it as the latest.
// Ids come from one process-wide counter, so they increase strictly per key
// even after a key's state has been dropped.
func (c *Coordinator) Register(key string, prio cache.Priority) uint64 {
	id := c.seq.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.keys[key]
	if ks == nil {
		ks = &keyState{records: make(map[uint64]*Record)}
		c.keys[key] = ks
	}
	ks.latest = id
	ks.records[id] = &Record{Key: key, ID: id, Priority: prio, Status: StatusPending, StartedAt: c.now()}
	return id
}

// Acquire tries to make id the lock holder for key. It succeeds when the key
// is unlocked, when id already holds it, when id is the latest registration
// (the previous holder is superseded), or when the holder exceeded the lock
// timeout. A false result means another request owns the key and the caller
// should wait for it instead of fetching.
func (c *Coordinator) Acquire(key string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.keys[key]
	if ks == nil {
		return false
	}
	rec := ks.records[id]
	if rec == nil || rec.Status != StatusPending && rec.Status != StatusActive {
		return false
	}
	if ks.active == 0 || ks.active == id {
		c.activate(ks, rec)
		return true
	}

	holder := ks.records[ks.active]
	switch {
	case holder == nil:
		c.activate(ks, rec)
		return true
	case c.timedOut(holder):
		c.opt.Logger.WithFields(log.Fields{
			"key":    key,
			"holder": holder.ID,
			"held":   c.now().Sub(holder.AcquiredAt).String(),
		}).Warn("coord: forcing release of stuck request lock")
		c.cancel(holder, ErrLockTimeout)
		c.activate(ks, rec)
		return true
	case id == ks.latest:
		c.cancel(holder, ErrSuperseded)
		c.activate(ks, rec)
		return true
	default:
		return false
	}
}

// ShouldCancel reports whether the result of request id must be discarded:
// a newer request was registered for key, or the request was cancelled.
func (c *Coordinator) ShouldCancel(key string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.keys[key]
	if ks == nil {
		return false
	}
	if id < ks.latest {
		return true
	}
	rec := ks.records[id]
	return rec != nil && rec.Status == StatusCancelled
}

// Err explains why request id should be cancelled, or returns nil.
func (c *Coordinator) Err(key string, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.keys[key]
	if ks == nil {
		return nil
	}
	if rec := ks.records[id]; rec != nil && rec.Err != nil {
		return rec.Err
	}
	if id < ks.latest {
		return ErrSuperseded
	}
	return nil
}

// Invalidate flags every tracked request whose key satisfies match and
// returns how many were flagged. Requests registered later are unaffected.
func (c *Coordinator) Invalidate(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, ks := range c.keys {
		if !match(key) {
			continue
		}
		for _, rec := range ks.records {
			if !rec.Invalidated {
				rec.Invalidated = true
				n++
			}
		}
	}
	return n
}

// Invalidated reports whether request id was flagged by Invalidate.
func (c *Coordinator) Invalidated(key string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ks := c.keys[key]; ks != nil {
		if rec := ks.records[id]; rec != nil {
			return rec.Invalidated
		}
	}
	return false
}

// Release clears the key lock if id holds it. Safe to call more than once.
func (c *Coordinator) Release(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ks := c.keys[key]; ks != nil && ks.active == id {
		ks.active = 0
	}
}

// Complete finishes request id and forgets its record. Per-key state is
// dropped once the key has no records left.
func (c *Coordinator) Complete(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.keys[key]
	if ks == nil {
		return
	}
	if rec := ks.records[id]; rec != nil && rec.Status != StatusCancelled {
		rec.Status = StatusCompleted
	}
	if ks.active == id {
		ks.active = 0
	}
	delete(ks.records, id)
	if len(ks.records) == 0 {
		delete(c.keys, key)
	}
}

// Active returns the current lock holder for key.
func (c *Coordinator) Active(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.keys[key]
	if ks == nil || ks.active == 0 {
		return Record{}, false
	}
	rec := ks.records[ks.active]
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

// Lookup returns a snapshot of request id.
func (c *Coordinator) Lookup(key string, id uint64) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ks := c.keys[key]; ks != nil {
		if rec := ks.records[id]; rec != nil {
			return *rec, true
		}
	}
	return Record{}, false
}

// Latest returns the newest id registered for key (0 if none is tracked).
func (c *Coordinator) Latest(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ks := c.keys[key]; ks != nil {
		return ks.latest
	}
	return 0
}

// Stuck reports whether the lock holder for key has exceeded the lock timeout.
func (c *Coordinator) Stuck(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.keys[key]
	if ks == nil || ks.active == 0 {
		return false
	}
	holder := ks.records[ks.active]
	return holder != nil && c.timedOut(holder)
}

// Pending returns the number of tracked (not yet completed) requests.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ks := range c.keys {
		n += len(ks.records)
	}
	return n
}

// ---- internals (mu held) ----

func (c *Coordinator) activate(ks *keyState, rec *Record) {
	rec.Status = StatusActive
	rec.AcquiredAt = c.now()
	ks.active = rec.ID
}

func (c *Coordinator) cancel(rec *Record, reason error) {
	rec.Status = StatusCancelled
	rec.Err = reason
}

func (c *Coordinator) timedOut(rec *Record) bool {
	return c.opt.LockTimeout > 0 && rec.Status == StatusActive &&
		c.now().Sub(rec.AcquiredAt) > c.opt.LockTimeout
}

func (c *Coordinator) now() time.Time {
	if c.opt.Clock != nil {
		return time.Unix(0, c.opt.Clock.NowUnixNano())
	}
	return time.Now()
}
