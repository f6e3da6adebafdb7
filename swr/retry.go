package swr

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Retry bounds repeated fetch attempts. Delays double after every failure,
// are capped at MaxDelay, and get up to 100% random jitter.
type Retry struct {
	// Attempts is the total number of tries, including the first. < 1 => 1.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (r Retry) normalize() Retry {
	if r.Attempts < 1 {
		r.Attempts = 1
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = defaultBaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = defaultMaxDelay
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = r.BaseDelay
	}
	return r
}

// backoff returns the wait before the next attempt and the next base delay.
func (r Retry) backoff(delay time.Duration) (wait, next time.Duration) {
	wait = delay + time.Duration(rand.Int64N(int64(delay)))
	next = min(delay*2, r.MaxDelay)
	return wait, next
}
