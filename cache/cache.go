package cache

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/swrcache/internal/util"
	"github.com/IvanBrykalov/swrcache/policy/priority"
)

// store is the sharded Cache implementation.
type store[V any] struct {
	shards []*shard[V]
	closed atomic.Bool
	totals totals

	opt Options[V]
}

// totals aggregates resident size across shards for the Size metric.
type totals struct {
	entries atomic.Int64
	cost    atomic.Int64
}

// New constructs a store with the provided Options.
func New[V any](opt Options[V]) Cache[V] {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = priority.New[string, V](priority.DefaultWindow)
	}

	n := util.ShardCount(opt.Shards)
	s := &store[V]{shards: make([]*shard[V], n), opt: opt}

	perShardCap := 0
	if opt.Capacity > 0 {
		perShardCap = (opt.Capacity + n - 1) / n
	}
	var perShardCost int64
	if opt.MaxCost > 0 {
		perShardCost = (opt.MaxCost + int64(n) - 1) / int64(n)
	}
	for i := range s.shards {
		s.shards[i] = newShard(perShardCap, perShardCost, &s.totals, opt)
	}
	return s
}

func (s *store[V]) Get(key string) (Entry[V], bool) {
	if s.closed.Load() {
		return Entry[V]{}, false
	}
	return s.shardFor(key).get(key, s.now())
}

func (s *store[V]) Set(key string, v V, ttl time.Duration, prio Priority) bool {
	return s.setAt(key, v, s.now(), ttl, prio)
}

func (s *store[V]) SetAt(key string, v V, storedAt time.Time, ttl time.Duration, prio Priority) bool {
	return s.setAt(key, v, storedAt.UnixNano(), ttl, prio)
}

func (s *store[V]) setAt(key string, v V, stored int64, ttl time.Duration, prio Priority) bool {
	if s.closed.Load() {
		return false
	}
	if ttl == 0 {
		ttl = s.opt.DefaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.shardFor(key).set(key, v, stored, int64(ttl), prio, s.costOf(v), s.now())
}

func (s *store[V]) Invalidate(key string) bool {
	if s.closed.Load() {
		return false
	}
	return s.shardFor(key).remove(key)
}

func (s *store[V]) InvalidateGroup(prefix string) int {
	if s.closed.Load() {
		return 0
	}
	removed := 0
	for _, sh := range s.shards {
		removed += sh.removePrefix(prefix)
	}
	return removed
}

func (s *store[V]) Keys() []string {
	if s.closed.Load() {
		return nil
	}
	keys := make([]string, 0, s.Len())
	for _, sh := range s.shards {
		keys = sh.appendKeys(keys)
	}
	return keys
}

func (s *store[V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Len()
	}
	return total
}

func (s *store[V]) Stats() Stats {
	var st Stats
	for _, sh := range s.shards {
		st.Hits += sh.hits.Load()
		st.Stale += sh.stale.Load()
		st.Misses += sh.misses.Load()
		st.Evictions += sh.evicts.Load()
		st.Rejected += sh.rejected.Load()
	}
	return st
}

// Close marks the store closed. Resident entries are kept but unreachable.
func (s *store[V]) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *store[V]) shardFor(key string) *shard[V] {
	return s.shards[util.ShardIndex(key, len(s.shards))]
}

func (s *store[V]) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// costOf computes the per-entry cost clamped to the int32 range.
func (s *store[V]) costOf(v V) int32 {
	if s.opt.Cost == nil {
		return 0
	}
	c := s.opt.Cost(v)
	if c < 0 {
		return 0
	}
	if c > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(c)
}
