package twoq

import (
	"testing"

	"github.com/IvanBrykalov/swrcache/policy/policytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node = policytest.Node[string, int]

func newQ(capIn, capGhost int) (*twoQ[string, int], *policytest.List[string, int]) {
	h := policytest.NewList[string, int]()
	return New[string, int](capIn, capGhost).New(h).(*twoQ[string, int]), h
}

func TestTwoQ_AddGoesToA1in(t *testing.T) {
	t.Parallel()

	q, h := newQ(2, 4)
	n1 := &node{Name: "a"}

	require.Nil(t, q.OnAdd(n1))
	assert.Equal(t, 1, q.inList.Len())
	assert.Contains(t, q.inIdx, n1)
	assert.Equal(t, 1, h.Pushes)
}

func TestTwoQ_OverflowReturnsLRUOfA1in(t *testing.T) {
	t.Parallel()

	q, _ := newQ(2, 4)
	n1, n2, n3 := &node{Name: "a"}, &node{Name: "b"}, &node{Name: "c"}

	q.OnAdd(n1)
	q.OnAdd(n2)
	ev := q.OnAdd(n3)

	require.NotNil(t, ev)
	assert.Equal(t, "a", ev.Key())
}

// A node evicted from A1in becomes a ghost and is admitted to Am on return.
func TestTwoQ_GhostSecondChance(t *testing.T) {
	t.Parallel()

	q, _ := newQ(1, 4)
	first := &node{Name: "orders_1"}
	q.OnAdd(first)
	q.OnRemove(first)

	require.Contains(t, q.ghostIdx, "orders_1")

	again := &node{Name: "orders_1"}
	require.Nil(t, q.OnAdd(again))
	assert.NotContains(t, q.ghostIdx, "orders_1")
	assert.NotContains(t, q.inIdx, again)
}

func TestTwoQ_GhostCapacityBounded(t *testing.T) {
	t.Parallel()

	q, _ := newQ(8, 2)
	for _, k := range []string{"a", "b", "c"} {
		n := &node{Name: k}
		q.OnAdd(n)
		q.OnRemove(n)
	}
	assert.Equal(t, 2, q.ghostList.Len())
	assert.NotContains(t, q.ghostIdx, "a")
}

func TestTwoQ_OnGetPromotesToAm(t *testing.T) {
	t.Parallel()

	q, h := newQ(2, 2)
	n := &node{Name: "a"}
	q.OnAdd(n)
	q.OnGet(n)

	assert.Zero(t, q.inList.Len())
	assert.Equal(t, 1, h.Moves)
}

func TestTwoQ_VictimPrefersA1in(t *testing.T) {
	t.Parallel()

	q, _ := newQ(4, 4)
	mature := &node{Name: "mature"}
	young := &node{Name: "young"}
	q.OnAdd(mature)
	q.OnGet(mature) // promote to Am
	q.OnAdd(young)

	assert.Equal(t, "young", q.Victim().Key())

	q.OnRemove(young)
	assert.Equal(t, "mature", q.Victim().Key())
}
