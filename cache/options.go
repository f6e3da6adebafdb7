package cache

import (
	"time"

	"github.com/IvanBrykalov/swrcache/policy"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictPolicy: chosen by the eviction policy to satisfy the entry limit.
	EvictPolicy EvictReason = iota
	// EvictTTL: older than TTL+StaleWindow (lazy, on access).
	EvictTTL
	// EvictCapacity: removed to satisfy the cost limit.
	EvictCapacity
)

func (r EvictReason) String() string {
	switch r {
	case EvictTTL:
		return "ttl"
	case EvictCapacity:
		return "capacity"
	default:
		return "policy"
	}
}

// Metrics exposes store-level observability hooks.
// NoopMetrics is used by default.
type Metrics interface {
	Hit()
	Stale()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the store. Zero values are safe; defaults applied in New:
//   - Capacity <= 0 => unbounded entry count
//   - Shards <= 0   => auto (power of two)
//   - nil Policy    => priority-aware LRU
//   - nil Metrics   => NoopMetrics
type Options[V any] struct {
	// Capacity is the entry count limit, split evenly across shards.
	Capacity int

	// Shards is rounded up to a power of two.
	Shards int

	// Policy chooses eviction victims; nil => priority.New(priority.DefaultWindow).
	Policy policy.Policy[string, V]

	// DefaultTTL is used by Set/SetAt when ttl == 0. Negative ttl disables expiry.
	DefaultTTL time.Duration

	// StaleWindow bounds how long past its TTL an entry may still be served
	// as stale. 0 keeps stale entries until evicted or invalidated.
	StaleWindow time.Duration

	// Cost-based limiting. If Cost is non-nil and MaxCost > 0, shards evict
	// until both the entry and the cost limits hold.
	Cost    func(v V) int
	MaxCost int64

	// OnEvict is called under the shard lock; keep it lightweight.
	// Explicit invalidation does not call it.
	OnEvict func(key string, v V, reason EvictReason)
	Metrics Metrics

	// Clock overrides the time source (tests). Nil => time.Now().
	Clock Clock
}
