// Package policy defines the contract between a cache shard and its
// eviction policy.
package policy

// Node is the minimal contract a cache entry must satisfy for a policy.
// Priority is the entry's advisory eviction rank: lower ranks are evicted
// first by priority-aware policies.
type Node[K comparable, V any] interface {
	Key() K
	Value() *V
	Priority() int
}

// Hooks expose O(1) list operations that a policy can use to manipulate
// the shard's intrusive MRU/LRU list. Implementations are provided by the shard.
//
// Concurrency: all hook calls happen under the shard lock.
// Hooks manage only the list; the shard owns the key->node map.
type Hooks[K comparable, V any] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K, V])
	// PushFront inserts the node at MRU (used on admission).
	PushFront(Node[K, V])
	// Remove detaches the node from the list.
	Remove(Node[K, V])
	// Back returns the current LRU node (or nil if empty).
	Back() Node[K, V]
	// Prev returns the node one step closer to MRU (or nil at the head).
	Prev(Node[K, V]) Node[K, V]
	// Len returns the number of resident nodes in the shard.
	Len() int
}

// ShardPolicy is a per-shard eviction policy instance bound to shard hooks.
// All methods are invoked under the shard lock.
//
// Semantics:
//   - OnAdd may return an eviction candidate (e.g., LRU of a probation queue).
//     The shard evicts that node and then calls OnRemove for it.
//   - OnGet/OnUpdate typically promote the node.
//   - OnRemove notifies the policy so it can drop internal state.
//   - Victim is asked for a node to evict while the shard is over its
//     entry or cost limit. Returning nil stops eviction.
type ShardPolicy[K comparable, V any] interface {
	OnAdd(Node[K, V]) (evict Node[K, V])
	OnGet(Node[K, V])
	OnUpdate(Node[K, V])
	OnRemove(Node[K, V])
	Victim() Node[K, V]
}

// Policy is a factory that creates shard-local policy instances
// bound to a particular shard's hooks.
type Policy[K comparable, V any] interface {
	New(Hooks[K, V]) ShardPolicy[K, V]
}
