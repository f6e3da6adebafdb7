package bus_test

import (
	"testing"
	"time"

	"github.com/IvanBrykalov/swrcache/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPattern_Overlaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event bus.Pattern
		sub   bus.Pattern
		want  bool
	}{
		{"key matches same key", bus.Key("orders_1"), bus.Key("orders_1"), true},
		{"key misses other key", bus.Key("orders_1"), bus.Key("orders_2"), false},
		{"key matches covering group", bus.Key("orders_1"), bus.Group("orders"), true},
		{"key misses foreign group", bus.Key("profile_1"), bus.Group("orders"), false},
		{"group matches key in group", bus.Group("orders"), bus.Key("orders_42"), true},
		{"group misses key outside", bus.Group("orders"), bus.Key("profile_1"), false},
		{"group matches narrower group", bus.Group("orders"), bus.Group("orders_client_"), true},
		{"group matches wider group", bus.Group("orders_client_"), bus.Group("orders"), true},
		{"group misses disjoint group", bus.Group("orders"), bus.Group("profile"), false},
		{"empty group matches all", bus.Group(""), bus.Key("anything"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Overlaps(tt.sub))
		})
	}
}

func TestPattern_MatchesKey(t *testing.T) {
	t.Parallel()

	assert.True(t, bus.Group("orders_").MatchesKey("orders_1"))
	assert.False(t, bus.Group("orders_").MatchesKey("order"))
	assert.True(t, bus.Key("a").MatchesKey("a"))
	assert.False(t, bus.Key("a").MatchesKey("ab"))
	assert.Equal(t, "group:orders_", bus.Group("orders_").String())
}

func TestPublish_RegistrationOrder(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.Options{})
	var order []string
	b.Subscribe(bus.Key("orders_1"), func(bus.Event) { order = append(order, "first") })
	b.Subscribe(bus.Group("orders"), func(bus.Event) { order = append(order, "second") })
	b.Subscribe(bus.Key("profile_1"), func(bus.Event) { order = append(order, "never") })
	b.Subscribe(bus.Group(""), func(bus.Event) { order = append(order, "third") })

	n := b.Emit(bus.Key("orders_1"), "test")

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

// A panicking subscriber must not prevent delivery to the others.
func TestPublish_IsolatesPanics(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.Options{})
	var got []string
	b.Subscribe(bus.Key("k"), func(bus.Event) { got = append(got, "a") })
	b.Subscribe(bus.Key("k"), func(bus.Event) { panic("boom") })
	b.Subscribe(bus.Key("k"), func(bus.Event) { got = append(got, "c") })

	require.NotPanics(t, func() { b.Emit(bus.Key("k"), "") })
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.Options{})
	calls := 0
	unsub := b.Subscribe(bus.Group("orders"), func(bus.Event) { calls++ })
	require.Equal(t, 1, b.Len())

	b.Emit(bus.Key("orders_1"), "")
	unsub()
	unsub()
	b.Emit(bus.Key("orders_1"), "")

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Len())
}

// Unsubscribing from inside a handler must not deadlock or skip others.
func TestSubscribe_UnsubscribeInsideHandler(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.Options{})
	var unsub func()
	calls, other := 0, 0
	unsub = b.Subscribe(bus.Key("k"), func(bus.Event) {
		calls++
		unsub()
	})
	b.Subscribe(bus.Key("k"), func(bus.Event) { other++ })

	b.Emit(bus.Key("k"), "")
	b.Emit(bus.Key("k"), "")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other)
}

func TestPublish_StampsTime(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.Options{})
	var got bus.Event
	b.Subscribe(bus.Key("k"), func(ev bus.Event) { got = ev })

	before := time.Now()
	b.Publish(bus.Event{Pattern: bus.Key("k"), Source: "realtime"})

	assert.False(t, got.EmittedAt.Before(before))
	assert.Equal(t, "realtime", got.Source)

	at := time.Unix(100, 0)
	b.Publish(bus.Event{Pattern: bus.Key("k"), EmittedAt: at})
	assert.Equal(t, at, got.EmittedAt)
}
