package coord

import (
	"sync"

	"github.com/IvanBrykalov/swrcache/cache"
)

// Lease is a held key lock. End releases and completes the request exactly
// once, so it can be deferred on every exit path.
type Lease struct {
	c    *Coordinator
	Key  string
	ID   uint64
	once sync.Once
}

// Hold acquires the lock for an already registered request. The returned
// lease is non-nil even when ok is false, so callers can always defer End.
func (c *Coordinator) Hold(key string, id uint64) (*Lease, bool) {
	return &Lease{c: c, Key: key, ID: id}, c.Acquire(key, id)
}

// Begin registers a request for key and tries to acquire its lock.
func (c *Coordinator) Begin(key string, prio cache.Priority) (*Lease, bool) {
	return c.Hold(key, c.Register(key, prio))
}

// Cancelled reports whether the lease's result must be discarded.
func (l *Lease) Cancelled() bool { return l.c.ShouldCancel(l.Key, l.ID) }

// Err is the cancellation reason, if any.
func (l *Lease) Err() error { return l.c.Err(l.Key, l.ID) }

// Invalidated reports whether the key was invalidated after the lease's
// request was registered.
func (l *Lease) Invalidated() bool { return l.c.Invalidated(l.Key, l.ID) }

// End releases the lock and completes the request.
func (l *Lease) End() {
	l.once.Do(func() {
		l.c.Release(l.Key, l.ID)
		l.c.Complete(l.Key, l.ID)
	})
}
