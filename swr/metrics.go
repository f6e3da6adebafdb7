package swr

import "time"

// Metrics receives controller events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// Fetch is called once per fetch with its total duration across retries.
	Fetch(d time.Duration, err error)
	// Deduplicated counts callers that joined an in-flight fetch.
	Deduplicated()
	// Discarded counts results dropped because a newer request superseded them.
	Discarded()
	// Throttled counts revalidations suppressed by the scheduler.
	Throttled()
	// Rejected counts commits dropped by the store's monotonic guard.
	Rejected()
}

// NoopMetrics drops all events.
type NoopMetrics struct{}

func (NoopMetrics) Fetch(time.Duration, error) {}
func (NoopMetrics) Deduplicated()              {}
func (NoopMetrics) Discarded()                 {}
func (NoopMetrics) Throttled()                 {}
func (NoopMetrics) Rejected()                  {}
