// Package priority implements a priority-aware LRU eviction policy.
//
// Ordering is plain LRU, but under pressure the victim is chosen from a
// window of the least recently used nodes: the lowest priority in the window
// loses, and among equal priorities the older node loses. Priority is
// therefore advisory: a high-priority entry that sits alone at the tail of
// a full window of other high-priority entries is still evicted.
package priority

import "github.com/IvanBrykalov/swrcache/policy"

// DefaultWindow is the number of tail nodes inspected when Window <= 0.
const DefaultWindow = 8

type priorityLRU[K comparable, V any] struct {
	h      policy.Hooks[K, V]
	window int
}

type priorityPolicy[K comparable, V any] struct{ window int }

// New returns a Policy factory. window is the number of LRU-tail nodes
// examined per eviction; larger windows honor priority more strictly at the
// cost of a longer scan.
func New[K comparable, V any](window int) policy.Policy[K, V] {
	if window <= 0 {
		window = DefaultWindow
	}
	return priorityPolicy[K, V]{window: window}
}

func (p priorityPolicy[K, V]) New(h policy.Hooks[K, V]) policy.ShardPolicy[K, V] {
	return &priorityLRU[K, V]{h: h, window: p.window}
}

func (p *priorityLRU[K, V]) OnAdd(n policy.Node[K, V]) policy.Node[K, V] {
	p.h.PushFront(n)
	return nil
}

func (p *priorityLRU[K, V]) OnGet(n policy.Node[K, V])    { p.h.MoveToFront(n) }
func (p *priorityLRU[K, V]) OnUpdate(n policy.Node[K, V]) { p.h.MoveToFront(n) }
func (p *priorityLRU[K, V]) OnRemove(policy.Node[K, V])   {}

// Victim walks from the tail toward MRU and keeps the first node with the
// lowest priority seen, so ties resolve to the least recently used.
func (p *priorityLRU[K, V]) Victim() policy.Node[K, V] {
	best := p.h.Back()
	if best == nil {
		return nil
	}
	cur := best
	for i := 1; i < p.window; i++ {
		cur = p.h.Prev(cur)
		if cur == nil {
			break
		}
		if cur.Priority() < best.Priority() {
			best = cur
		}
	}
	return best
}
