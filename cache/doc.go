// Package cache is the storage layer of swrcache: a sharded, in-memory,
// string-keyed store whose entries carry the metadata a stale-while-revalidate
// controller needs (as-of timestamp, TTL, priority).
//
// Design
//
//   - Concurrency: the store is split into shards, each protected by a mutex.
//     The default shard count is nextPow2(2*GOMAXPROCS), clamped to 256.
//     Keys are routed by xxhash.
//
//   - Stale reads: Get returns expired entries with Fresh=false instead of a
//     miss, so callers can serve them while a revalidation runs. Entries are
//     dropped lazily on access once they are older than TTL+StaleWindow
//     (StaleWindow 0 keeps stale entries until they are evicted or
//     invalidated). There is no background sweeper.
//
//   - Monotonic writes: SetAt carries the as-of time of the data. A write
//     older than the resident entry is rejected, which guards against
//     out-of-order completion of concurrent fetches.
//
//   - Eviction: Capacity and MaxCost are enforced per shard. The victim is
//     chosen by the configured policy; the default (policy/priority) prefers
//     low-priority entries near the LRU tail.
//
//   - Invalidation: Invalidate removes one key, InvalidateGroup removes every
//     key sharing a prefix ("orders_" busts all order caches).
//
// Basic usage
//
//	s := cache.New[[]Order](cache.Options[[]Order]{Capacity: 10_000})
//	s.Set("orders_client_42", orders, 2*time.Minute, cache.PriorityHigh)
//	if e, ok := s.Get("orders_client_42"); ok && !e.Fresh {
//	    // serve e.Value, schedule a revalidation
//	}
//	s.InvalidateGroup("orders_")
//
// The store performs no I/O. Fetching, deduplication and revalidation live in
// package swr.
package cache
