package swr

import (
	"fmt"

	"go.trai.ch/zerr"
)

var (
	// ErrEmptyKey is returned for operations on the empty key.
	ErrEmptyKey = zerr.New("cache key must not be empty")
	// ErrNilFetcher is returned when no fetch function is supplied.
	ErrNilFetcher = zerr.New("fetch function must not be nil")
	// ErrFetchTimeout is returned when a fetch exceeds Options.Timeout.
	ErrFetchTimeout = zerr.New("fetch timed out")
	// ErrClosed is returned by a closed controller.
	ErrClosed = zerr.New("controller closed")
)

// FetchError reports a fetch that failed after all retry attempts. The last
// known good value, if any, is returned alongside it.
type FetchError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// panicError wraps a value recovered from a panicking fetcher.
type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprintf("fetch panicked: %v", e.v) }
