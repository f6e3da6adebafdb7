// Package policytest provides an in-memory list implementing policy.Hooks
// so eviction policies can be tested without a cache shard.
package policytest

import (
	"container/list"

	"github.com/IvanBrykalov/swrcache/policy"
)

// Node is a test entry with a key, a value and a priority rank.
type Node[K comparable, V any] struct {
	Name K
	Val  V
	Rank int
}

func (n *Node[K, V]) Key() K        { return n.Name }
func (n *Node[K, V]) Value() *V     { return &n.Val }
func (n *Node[K, V]) Priority() int { return n.Rank }

// List is a recording policy.Hooks implementation backed by container/list.
// Front is MRU, Back is LRU.
type List[K comparable, V any] struct {
	l   *list.List
	idx map[policy.Node[K, V]]*list.Element

	Pushes, Moves, Removes int
}

// NewList returns an empty hooks list.
func NewList[K comparable, V any]() *List[K, V] {
	return &List[K, V]{l: list.New(), idx: make(map[policy.Node[K, V]]*list.Element)}
}

func (h *List[K, V]) PushFront(n policy.Node[K, V]) {
	h.Pushes++
	h.idx[n] = h.l.PushFront(n)
}

func (h *List[K, V]) MoveToFront(n policy.Node[K, V]) {
	h.Moves++
	if el, ok := h.idx[n]; ok {
		h.l.MoveToFront(el)
	}
}

func (h *List[K, V]) Remove(n policy.Node[K, V]) {
	h.Removes++
	if el, ok := h.idx[n]; ok {
		h.l.Remove(el)
		delete(h.idx, n)
	}
}

func (h *List[K, V]) Back() policy.Node[K, V] {
	if el := h.l.Back(); el != nil {
		return el.Value.(policy.Node[K, V])
	}
	return nil
}

func (h *List[K, V]) Prev(n policy.Node[K, V]) policy.Node[K, V] {
	el, ok := h.idx[n]
	if !ok || el.Prev() == nil {
		return nil
	}
	return el.Prev().Value.(policy.Node[K, V])
}

func (h *List[K, V]) Len() int { return h.l.Len() }

// Keys returns resident keys from MRU to LRU.
func (h *List[K, V]) Keys() []K {
	out := make([]K, 0, h.l.Len())
	for el := h.l.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(policy.Node[K, V]).Key())
	}
	return out
}
