package cache

import "time"

// Cache is the key/value store used by the SWR controller.
// All methods are safe for concurrent use by multiple goroutines.
type Cache[V any] interface {
	// Get returns the entry for key. ok is false only when the key is absent;
	// an expired entry is returned with Fresh=false.
	Get(key string) (e Entry[V], ok bool)

	// Set writes v as of now. It returns false if the resident entry is newer.
	Set(key string, v V, ttl time.Duration, prio Priority) bool

	// SetAt writes v with an explicit as-of time. The write is dropped (and
	// false returned) when the resident entry has a newer StoredAt.
	SetAt(key string, v V, storedAt time.Time, ttl time.Duration, prio Priority) bool

	// Invalidate deletes key. It is idempotent and reports whether an entry
	// was removed.
	Invalidate(key string) bool

	// InvalidateGroup deletes every key starting with prefix and returns the
	// number of removed entries. An empty prefix clears the store.
	InvalidateGroup(prefix string) int

	// Keys returns a snapshot of resident keys in no particular order.
	Keys() []string

	// Len returns the total number of resident entries across all shards.
	Len() int

	// Stats returns cumulative counters.
	Stats() Stats

	// Close marks the store closed; later operations behave like an empty store.
	Close() error
}

// Entry is a copy of a resident cache entry.
type Entry[V any] struct {
	Key      string
	Value    V
	StoredAt time.Time
	TTL      time.Duration
	Priority Priority
	// Fresh reports whether the entry was within its TTL at lookup time.
	Fresh bool
}

// ExpiresAt returns the end of the validity window, or the zero time for
// entries without a TTL.
func (e Entry[V]) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.StoredAt.Add(e.TTL)
}

// Stats holds cumulative store counters.
type Stats struct {
	Hits      int64 // fresh reads
	Stale     int64 // expired-but-served reads
	Misses    int64
	Evictions int64
	Rejected  int64 // writes dropped by the monotonic StoredAt guard
}
