package cache

// node is an intrusive doubly linked list element owned by a shard.
type node[V any] struct {
	key string
	val V

	// head is MRU, tail is LRU.
	prev *node[V]
	next *node[V]

	// stored is the as-of time in UnixNano; ttl is relative (<= 0: no expiry).
	stored int64
	ttl    int64

	prio Priority
	cost int32
}

func (n *node[V]) Key() string   { return n.key }
func (n *node[V]) Value() *V     { return &n.val }
func (n *node[V]) Priority() int { return int(n.prio) }

// fresh reports whether the entry is within its TTL at now.
func (n *node[V]) fresh(now int64) bool {
	return n.ttl <= 0 || now-n.stored <= n.ttl
}

// expired reports whether the entry is past TTL plus the stale window.
// A non-positive window never expires stale entries.
func (n *node[V]) expired(now, staleWindow int64) bool {
	if n.ttl <= 0 || staleWindow <= 0 {
		return false
	}
	return now-n.stored > n.ttl+staleWindow
}
