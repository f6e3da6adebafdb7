// Package bus is a typed, in-process publish/subscribe registry for cache
// invalidation signals.
//
// Events and subscriptions are both described by a Pattern: an exact key or a
// key prefix (group). Delivery is synchronous and follows registration order.
// A handler that panics is isolated: the panic is recovered, logged, and
// delivery continues with the next subscriber. Events are not retained.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// Scope selects how a Pattern matches keys.
type Scope uint8

const (
	// ScopeKey matches one exact key.
	ScopeKey Scope = iota
	// ScopeGroup matches every key starting with the pattern value.
	ScopeGroup
)

func (s Scope) String() string {
	if s == ScopeGroup {
		return "group"
	}
	return "key"
}

// Pattern is a key or a group prefix.
type Pattern struct {
	Scope Scope
	Value string
}

// Key returns a pattern for one exact key.
func Key(k string) Pattern { return Pattern{Scope: ScopeKey, Value: k} }

// Group returns a pattern for every key starting with prefix.
func Group(prefix string) Pattern { return Pattern{Scope: ScopeGroup, Value: prefix} }

func (p Pattern) String() string { return p.Scope.String() + ":" + p.Value }

// MatchesKey reports whether the pattern covers key.
func (p Pattern) MatchesKey(key string) bool {
	if p.Scope == ScopeGroup {
		return strings.HasPrefix(key, p.Value)
	}
	return p.Value == key
}

// Overlaps reports whether an event with pattern p concerns a subscriber
// registered on q:
//   - key/key: equal keys
//   - key event, group subscriber: the key starts with the group prefix
//   - group event, key subscriber: the key starts with the event prefix
//   - group/group: either prefix is a prefix of the other
func (p Pattern) Overlaps(q Pattern) bool {
	switch {
	case p.Scope == ScopeKey && q.Scope == ScopeKey:
		return p.Value == q.Value
	case p.Scope == ScopeKey:
		return strings.HasPrefix(p.Value, q.Value)
	case q.Scope == ScopeKey:
		return strings.HasPrefix(q.Value, p.Value)
	default:
		return strings.HasPrefix(p.Value, q.Value) || strings.HasPrefix(q.Value, p.Value)
	}
}

// Event is one invalidation signal.
type Event struct {
	Pattern
	EmittedAt time.Time
	// Source is a free-form origin label ("mutation", "realtime", ...).
	Source string
}

// Handler consumes events. It runs on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	pattern Pattern
	handler Handler
}

// Options configures a Bus.
type Options struct {
	// Logger receives recovered handler panics. Nil => log.Log.
	Logger log.Interface
}

// Bus is the observer registry. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	log    log.Interface
}

// New returns an empty Bus.
func New(opt Options) *Bus {
	if opt.Logger == nil {
		opt.Logger = log.Log
	}
	return &Bus{log: opt.Logger}
}

// Subscribe registers h for events overlapping p. The returned function
// removes the subscription; it is idempotent and may be called from inside a
// handler.
func (b *Bus) Subscribe(p Pattern, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: p, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Publish delivers ev to every matching subscriber registered at the time of
// the call and returns the number of handlers invoked.
func (b *Bus) Publish(ev Event) int {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if ev.Overlaps(s.pattern) {
			snapshot = append(snapshot, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.deliver(s, ev)
	}
	return len(snapshot)
}

// Emit publishes an event for p stamped with the current time.
func (b *Bus) Emit(p Pattern, source string) int {
	return b.Publish(Event{Pattern: p, EmittedAt: time.Now(), Source: source})
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(log.Fields{
				"event":        ev.Pattern.String(),
				"subscription": s.pattern.String(),
				"panic":        fmt.Sprint(r),
			}).Warn("bus: invalidation handler panicked")
		}
	}()
	s.handler(ev)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}
