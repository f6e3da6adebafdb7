package swr

import (
	"context"
	"time"

	"github.com/IvanBrykalov/swrcache/bus"
	"github.com/IvanBrykalov/swrcache/cache"
	"github.com/IvanBrykalov/swrcache/coord"
	"github.com/IvanBrykalov/swrcache/rules"
	"github.com/IvanBrykalov/swrcache/schedule"
	"github.com/apex/log"
)

const (
	DefaultLockTimeout   = 30 * time.Second
	DefaultMaxBackground = 16
)

// Fetcher loads the current value for key from the source of truth. ctx is
// cancelled when the fetch times out or the controller closes; fetchers that
// ignore it still have late results discarded.
type Fetcher[V any] func(ctx context.Context, key string) (V, error)

// Options tunes one key. Use Controller.OptionsFor to start from the
// configured rules.
type Options struct {
	// TTL of committed values. 0 uses the store's default; negative never expires.
	TTL      time.Duration
	Priority cache.Priority

	RevalidateOnMount  bool
	RevalidateOnFocus  bool
	RevalidateInterval time.Duration // 0 disables
	// MinInterval throttles automatic revalidation. 0 uses the scheduler default.
	MinInterval time.Duration
	// Timeout races each fetch attempt. 0 disables.
	Timeout time.Duration
	Retry   Retry
}

// FromPolicy converts a rules policy to Options.
func FromPolicy(p rules.Policy) Options {
	return Options{
		TTL:                p.TTL,
		Priority:           p.Priority,
		RevalidateOnMount:  p.RevalidateOnMount,
		RevalidateOnFocus:  p.RevalidateOnFocus,
		RevalidateInterval: p.RevalidateInterval,
		MinInterval:        p.MinInterval,
		Timeout:            p.Timeout,
		Retry:              Retry{Attempts: p.RetryAttempts},
	}
}

// Config wires a Controller. Nil collaborators are built with defaults.
type Config[V any] struct {
	// Store holds committed values. Nil => cache.New with Capacity,
	// StaleWindow, CacheMetrics and Clock; the controller then closes it.
	Store        cache.Cache[V]
	Capacity     int
	StaleWindow  time.Duration
	CacheMetrics cache.Metrics

	// Coordinator arbitrates fetches. Nil => coord.New with LockTimeout.
	Coordinator *coord.Coordinator
	// LockTimeout for the default coordinator. 0 => DefaultLockTimeout,
	// negative disables it.
	LockTimeout time.Duration

	// Bus carries invalidations. Nil => a private bus.
	Bus *bus.Bus

	// Schedule configures the refresh scheduler.
	Schedule schedule.Config

	// Rules supplies per-key defaults. Nil => rules.Default().
	Rules *rules.Table

	// MaxBackground bounds concurrent background fetches. 0 => DefaultMaxBackground.
	MaxBackground int64

	Metrics Metrics
	Clock   cache.Clock
	Logger  log.Interface
}
