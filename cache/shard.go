package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/swrcache/policy"
)

// shard is an independent partition of the store with its own lock, map,
// and an intrusive doubly linked list (head=MRU, tail=LRU).
type shard[V any] struct {
	// ---- guarded by mu ----
	mu      sync.Mutex
	m       map[string]*node[V]
	head    *node[V]
	tail    *node[V]
	len     int
	cost    int64
	cap     int   // 0 = unbounded
	maxCost int64 // 0 = disabled

	pol    policy.ShardPolicy[string, V]
	opt    Options[V]
	totals *totals

	hits     atomic.Int64
	stale    atomic.Int64
	misses   atomic.Int64
	evicts   atomic.Int64
	rejected atomic.Int64
}

func newShard[V any](capacity int, maxCost int64, t *totals, opt Options[V]) *shard[V] {
	s := &shard[V]{
		m:       make(map[string]*node[V]),
		cap:     capacity,
		maxCost: maxCost,
		opt:     opt,
		totals:  t,
	}
	s.pol = opt.Policy.New(shardHooks[V]{s: s})
	return s
}

func (s *shard[V]) get(key string, now int64) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[key]
	if !ok {
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		return Entry[V]{}, false
	}
	if n.expired(now, int64(s.opt.StaleWindow)) {
		s.evictNode(n, EvictTTL)
		s.reportSize()
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		return Entry[V]{}, false
	}

	s.pol.OnGet(n)
	fresh := n.fresh(now)
	if fresh {
		s.hits.Add(1)
		s.opt.Metrics.Hit()
	} else {
		s.stale.Add(1)
		s.opt.Metrics.Stale()
	}
	return Entry[V]{
		Key:      n.key,
		Value:    n.val,
		StoredAt: time.Unix(0, n.stored),
		TTL:      time.Duration(n.ttl),
		Priority: n.prio,
		Fresh:    fresh,
	}, true
}

// set inserts or updates key. A write older than the resident entry is
// rejected; equal timestamps overwrite.
func (s *shard[V]) set(key string, v V, stored, ttl int64, prio Priority, cost int32, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.m[key]; ok {
		// An entry past its stale window is logically gone; do not let its
		// timestamp block the write.
		if n.stored > stored && !n.expired(now, int64(s.opt.StaleWindow)) {
			s.rejected.Add(1)
			return false
		}
		delta := int64(cost) - int64(n.cost)
		n.val = v
		n.stored = stored
		n.ttl = ttl
		n.prio = prio
		n.cost = cost
		s.cost += delta
		s.totals.cost.Add(delta)

		s.pol.OnUpdate(n)
		s.enforceLimitsLocked()
		return true
	}

	n := &node[V]{key: key, val: v, stored: stored, ttl: ttl, prio: prio, cost: cost}
	s.m[key] = n
	if ev := s.pol.OnAdd(n); ev != nil {
		s.evictNode(ev.(*node[V]), EvictPolicy)
	}
	s.enforceLimitsLocked()
	return true
}

func (s *shard[V]) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[key]
	if !ok {
		return false
	}
	s.dropLocked(n)
	s.reportSize()
	return true
}

func (s *shard[V]) removePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, n := range s.m {
		if strings.HasPrefix(k, prefix) {
			s.dropLocked(n)
			removed++
		}
	}
	if removed > 0 {
		s.reportSize()
	}
	return removed
}

func (s *shard[V]) appendKeys(dst []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.m {
		dst = append(dst, k)
	}
	return dst
}

func (s *shard[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len
}

// -------------------- internals (mu held) --------------------

func (s *shard[V]) insertFront(n *node[V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
	s.cost += int64(n.cost)
	s.totals.entries.Add(1)
	s.totals.cost.Add(int64(n.cost))
}

func (s *shard[V]) moveToFront(n *node[V]) {
	if n == s.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// unlink removes n from the list and updates counters.
func (s *shard[V]) unlink(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	s.len--
	s.cost -= int64(n.cost)
	if s.cost < 0 {
		s.cost = 0
	}
	s.totals.entries.Add(-1)
	s.totals.cost.Add(-int64(n.cost))
}

// dropLocked removes n from the policy, the list and the map.
func (s *shard[V]) dropLocked(n *node[V]) {
	s.pol.OnRemove(n)
	s.unlink(n)
	delete(s.m, n.key)
}

func (s *shard[V]) evictNode(n *node[V], reason EvictReason) {
	s.dropLocked(n)
	s.evicts.Add(1)
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}

// enforceLimitsLocked asks the policy for victims until both the entry and
// the cost limits are satisfied.
func (s *shard[V]) enforceLimitsLocked() {
	for s.cap > 0 && s.len > s.cap {
		v := s.pol.Victim()
		if v == nil {
			break
		}
		s.evictNode(v.(*node[V]), EvictPolicy)
	}
	for s.maxCost > 0 && s.cost > s.maxCost {
		v := s.pol.Victim()
		if v == nil {
			break
		}
		s.evictNode(v.(*node[V]), EvictCapacity)
	}
	s.reportSize()
}

func (s *shard[V]) reportSize() {
	s.opt.Metrics.Size(int(s.totals.entries.Load()), s.totals.cost.Load())
}

// -------------------- policy hooks --------------------

// shardHooks adapts the shard's list operations to policy.Hooks.
type shardHooks[V any] struct{ s *shard[V] }

func (h shardHooks[V]) MoveToFront(x policy.Node[string, V]) { h.s.moveToFront(x.(*node[V])) }
func (h shardHooks[V]) PushFront(x policy.Node[string, V])   { h.s.insertFront(x.(*node[V])) }
func (h shardHooks[V]) Remove(x policy.Node[string, V])      { h.s.unlink(x.(*node[V])) }
func (h shardHooks[V]) Len() int                             { return h.s.len }

func (h shardHooks[V]) Back() policy.Node[string, V] {
	if h.s.tail == nil {
		return nil
	}
	return h.s.tail
}

func (h shardHooks[V]) Prev(x policy.Node[string, V]) policy.Node[string, V] {
	if p := x.(*node[V]).prev; p != nil {
		return p
	}
	return nil
}
