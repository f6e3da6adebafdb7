package swr_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/IvanBrykalov/swrcache/cache"
	"github.com/IvanBrykalov/swrcache/coord"
	"github.com/IvanBrykalov/swrcache/swr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// counter is a Fetcher that counts calls and returns fixed values.
type counter struct {
	calls atomic.Int32
	delay time.Duration
	val   string
	err   error
}

func (f *counter) fetch(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.val, f.err
}

func (f *counter) Calls() int { return int(f.calls.Load()) }

// spyStore records every SetAt that reaches the store.
type spyStore struct {
	cache.Cache[string]

	mu     sync.Mutex
	writes []string
}

func (s *spyStore) SetAt(key, v string, at time.Time, ttl time.Duration, p cache.Priority) bool {
	ok := s.Cache.SetAt(key, v, at, ttl, p)
	if ok {
		s.mu.Lock()
		s.writes = append(s.writes, v)
		s.mu.Unlock()
	}
	return ok
}

func (s *spyStore) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

type countingMetrics struct {
	fetches, errors, dedup, discarded, throttled, rejected atomic.Int32
}

func (m *countingMetrics) Fetch(_ time.Duration, err error) {
	m.fetches.Add(1)
	if err != nil {
		m.errors.Add(1)
	}
}
func (m *countingMetrics) Deduplicated() { m.dedup.Add(1) }
func (m *countingMetrics) Discarded()    { m.discarded.Add(1) }
func (m *countingMetrics) Throttled()    { m.throttled.Add(1) }
func (m *countingMetrics) Rejected()     { m.rejected.Add(1) }

type mockMetrics struct{ mock.Mock }

func (m *mockMetrics) Fetch(d time.Duration, err error) { m.Called(d, err) }
func (m *mockMetrics) Deduplicated()                    { m.Called() }
func (m *mockMetrics) Discarded()                       { m.Called() }
func (m *mockMetrics) Throttled()                       { m.Called() }
func (m *mockMetrics) Rejected()                        { m.Called() }

func newController(t *testing.T, cfg swr.Config[string]) *swr.Controller[string] {
	t.Helper()
	c := swr.New(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestResolve_Validation(t *testing.T) {
	c := newController(t, swr.Config[string]{})
	f := &counter{val: "v"}

	res := c.Resolve(t.Context(), "", f.fetch)
	require.ErrorIs(t, res.Err, swr.ErrEmptyKey)
	assert.Equal(t, swr.StateError, res.State)

	res = c.Resolve(t.Context(), "k", nil)
	require.ErrorIs(t, res.Err, swr.ErrNilFetcher)

	require.ErrorIs(t, c.Mutate(t.Context(), "", "v", false), swr.ErrEmptyKey)
	require.ErrorIs(t, c.Invalidate(""), swr.ErrEmptyKey)
	_, err := c.Watch("", f.fetch, c.OptionsFor("k"))
	require.ErrorIs(t, err, swr.ErrEmptyKey)
	assert.Zero(t, f.Calls())
}

func TestResolve_SingleFlight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := &countingMetrics{}
		c := swr.New(swr.Config[string]{Metrics: m})
		defer c.Close()
		f := &counter{val: "v", delay: 100 * time.Millisecond}

		var g errgroup.Group
		results := make([]swr.Result[string], 8)
		for i := range results {
			g.Go(func() error {
				results[i] = c.Resolve(t.Context(), "k", f.fetch)
				return results[i].Err
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, 1, f.Calls())
		assert.Equal(t, int32(7), m.dedup.Load())
		for _, r := range results {
			assert.Equal(t, "v", r.Value)
			assert.True(t, r.HasValue)
			assert.Equal(t, swr.StateSuccess, r.State)
		}
	})
}

func TestResolve_FreshThenStale(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{})
		defer c.Close()
		f := &counter{val: "v"}

		opts := c.OptionsFor("k")
		opts.TTL = time.Second
		opts.MinInterval = 500 * time.Millisecond

		res := c.ResolveWith(t.Context(), "k", f.fetch, opts)
		require.NoError(t, res.Err)
		assert.False(t, res.IsStale)

		res = c.ResolveWith(t.Context(), "k", f.fetch, opts)
		assert.Equal(t, "v", res.Value)
		assert.Equal(t, 1, f.Calls(), "fresh hit must not fetch")

		time.Sleep(1100 * time.Millisecond)
		f.val = "v2"
		res = c.ResolveWith(t.Context(), "k", f.fetch, opts)
		assert.Equal(t, "v", res.Value)
		assert.True(t, res.IsStale)

		synctest.Wait()
		assert.Equal(t, 2, f.Calls())

		e, ok := c.Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, "v2", e.Value)
		assert.True(t, e.Fresh)
	})
}

// A slow fetch superseded by a newer one must never overwrite the newer
// result, whatever the completion order.
func TestRevalidate_LatestWins(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		spy := &spyStore{Cache: cache.New(cache.Options[string]{})}
		m := &countingMetrics{}
		c := swr.New(swr.Config[string]{Store: spy, Metrics: m})
		defer c.Close()

		a := &counter{val: "A", delay: 500 * time.Millisecond}
		b := &counter{val: "B", delay: 50 * time.Millisecond}

		done := make(chan swr.Result[string])
		go func() { done <- c.Resolve(t.Context(), "k", a.fetch) }()

		time.Sleep(100 * time.Millisecond)
		resB := c.Revalidate(t.Context(), "k", b.fetch)
		require.NoError(t, resB.Err)
		assert.Equal(t, "B", resB.Value)

		resA := <-done
		synctest.Wait()

		assert.Equal(t, "B", resA.Value, "superseded waiters follow the newer result")
		assert.Equal(t, []string{"B"}, spy.Writes())
		assert.Equal(t, int32(1), m.discarded.Load())

		e, ok := c.Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, "B", e.Value)
		assert.Zero(t, c.Coordinator().Pending())
	})
}

func TestResolve_FailurePreservesValue(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{})
		defer c.Close()

		opts := c.OptionsFor("k")
		require.True(t, c.Store().SetAt("k", "5", time.Now().Add(-time.Hour), opts.TTL, opts.Priority))

		boom := errors.New("boom")
		f := &counter{err: boom}

		res := c.Resolve(t.Context(), "k", f.fetch)
		assert.Equal(t, "5", res.Value)
		assert.True(t, res.IsStale)
		synctest.Wait()
		require.Equal(t, 1, f.Calls())

		res = c.Resolve(t.Context(), "k", f.fetch)
		assert.Equal(t, "5", res.Value)
		assert.Equal(t, swr.StateError, res.State)
		var ferr *swr.FetchError
		require.ErrorAs(t, res.Err, &ferr)
		assert.Equal(t, "k", ferr.Key)
		assert.ErrorIs(t, res.Err, boom)

		res = c.Revalidate(t.Context(), "k", f.fetch)
		assert.Equal(t, "5", res.Value)
		assert.True(t, res.HasValue)
		require.ErrorIs(t, res.Err, boom)

		e, ok := c.Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, "5", e.Value)
	})
}

func TestResolve_MissFailure(t *testing.T) {
	c := newController(t, swr.Config[string]{})
	boom := errors.New("boom")
	f := &counter{err: boom}

	res := c.Resolve(t.Context(), "k", f.fetch)
	assert.False(t, res.HasValue)
	assert.Equal(t, swr.StateError, res.State)
	require.ErrorIs(t, res.Err, boom)

	_, ok := c.Store().Get("k")
	assert.False(t, ok)
}

func TestInvalidateGroup(t *testing.T) {
	c := newController(t, swr.Config[string]{})
	ctx := t.Context()

	for _, k := range []string{"orders_1", "orders_2", "profile_1"} {
		require.NoError(t, c.Mutate(ctx, k, "v", false))
	}

	c.InvalidateGroup("orders")

	_, ok := c.Store().Get("orders_1")
	assert.False(t, ok)
	_, ok = c.Store().Get("orders_2")
	assert.False(t, ok)
	_, ok = c.Store().Get("profile_1")
	assert.True(t, ok)

	require.NoError(t, c.Invalidate("profile_1"))
	assert.Zero(t, c.Store().Len())
}

func TestRefresh_Throttle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := &countingMetrics{}
		c := swr.New(swr.Config[string]{Metrics: m})
		defer c.Close()
		f := &counter{val: "v"}

		res := c.Refresh(t.Context(), "k", f.fetch)
		require.NoError(t, res.Err)
		assert.Equal(t, "v", res.Value)

		time.Sleep(200 * time.Millisecond)
		c.Refresh(t.Context(), "k", f.fetch)
		assert.Equal(t, 1, f.Calls())
		assert.Equal(t, int32(1), m.throttled.Load())

		time.Sleep(2100 * time.Millisecond)
		c.Refresh(t.Context(), "k", f.fetch)
		assert.Equal(t, 2, f.Calls())
	})
}

func TestResolve_LockTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{LockTimeout: time.Second})
		defer c.Close()

		// Ignores ctx and outlives the test's interest in it.
		stuck := &counter{val: "old", delay: time.Hour}
		fast := &counter{val: "new"}

		start := time.Now()
		done := make(chan swr.Result[string], 1)
		go func() { done <- c.Resolve(t.Context(), "k", stuck.fetch) }()

		time.Sleep(2 * time.Second)
		res := c.Resolve(t.Context(), "k", fast.fetch)
		require.NoError(t, res.Err)
		assert.Equal(t, "new", res.Value)
		assert.Equal(t, 1, fast.Calls())

		synctest.Wait()
		var first swr.Result[string]
		select {
		case first = <-done:
		default:
			t.Fatal("waiter of the stuck fetch still blocked after the forced release")
		}
		assert.Less(t, time.Since(start), time.Hour)
		require.ErrorIs(t, first.Err, coord.ErrLockTimeout)
		assert.Equal(t, swr.StateError, first.State)

		e, _ := c.Store().Get("k")
		assert.Equal(t, "new", e.Value)

		// The stuck fetch returning late neither overwrites nor panics.
		time.Sleep(time.Hour)
		synctest.Wait()
		e, _ = c.Store().Get("k")
		assert.Equal(t, "new", e.Value)
	})
}

// A fetch that started before an invalidation answers its callers but is
// not stored, so the next read fetches again.
func TestResolve_InvalidateDuringFetch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := &countingMetrics{}
		c := swr.New(swr.Config[string]{Metrics: m})
		defer c.Close()

		slow := &counter{val: "before", delay: 500 * time.Millisecond}
		done := make(chan swr.Result[string], 1)
		go func() { done <- c.Resolve(t.Context(), "k", slow.fetch) }()

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, c.Invalidate("k"))

		res := <-done
		require.NoError(t, res.Err)
		assert.Equal(t, "before", res.Value)
		_, ok := c.Store().Get("k")
		assert.False(t, ok, "pre-invalidation result must not be cached")
		assert.Equal(t, int32(1), m.discarded.Load())

		fresh := &counter{val: "after"}
		res = c.Resolve(t.Context(), "k", fresh.fetch)
		require.NoError(t, res.Err)
		assert.Equal(t, "after", res.Value)
		assert.Equal(t, 1, fresh.Calls())

		e, ok := c.Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, "after", e.Value)
		assert.True(t, e.Fresh)
	})
}

func TestInvalidateGroup_DuringFetch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{})
		defer c.Close()

		slow := &counter{val: "v", delay: 500 * time.Millisecond}
		go c.Resolve(t.Context(), "orders_1", slow.fetch)
		go c.Resolve(t.Context(), "profile_1", slow.fetch)

		time.Sleep(100 * time.Millisecond)
		c.InvalidateGroup("orders_")
		time.Sleep(time.Second)
		synctest.Wait()

		_, ok := c.Store().Get("orders_1")
		assert.False(t, ok)
		_, ok = c.Store().Get("profile_1")
		assert.True(t, ok)
	})
}

// Throttling follows Config.Clock like TTLs do.
func TestRefresh_ThrottleUsesClock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		clk := &fakeClock{}
		clk.add(time.Hour)
		c := swr.New(swr.Config[string]{Clock: clk})
		defer c.Close()

		f := &counter{val: "v"}
		require.NoError(t, c.Resolve(t.Context(), "k", f.fetch).Err)

		// Wall time moves, the injected clock does not.
		time.Sleep(10 * time.Second)
		c.Refresh(t.Context(), "k", f.fetch)
		synctest.Wait()
		assert.Equal(t, 1, f.Calls())

		last, ok := c.Scheduler().LastRun("k")
		require.True(t, ok)
		assert.Equal(t, time.Unix(0, int64(time.Hour)), last)

		clk.add(3 * time.Second)
		c.Refresh(t.Context(), "k", f.fetch)
		synctest.Wait()
		assert.Equal(t, 2, f.Calls())
	})
}

func TestResolve_FetchTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{})
		defer c.Close()

		opts := c.OptionsFor("k")
		opts.Timeout = 100 * time.Millisecond
		slow := func(ctx context.Context, _ string) (string, error) {
			select {
			case <-time.After(time.Second):
				return "late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		res := c.ResolveWith(t.Context(), "k", slow, opts)
		require.ErrorIs(t, res.Err, swr.ErrFetchTimeout)
		assert.False(t, res.HasValue)

		synctest.Wait()
		_, ok := c.Store().Get("k")
		assert.False(t, ok)
	})
}

func TestResolve_Retry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{})
		defer c.Close()

		opts := c.OptionsFor("k")
		opts.Retry = swr.Retry{Attempts: 3, BaseDelay: 100 * time.Millisecond}

		var calls atomic.Int32
		flaky := func(context.Context, string) (string, error) {
			if calls.Add(1) < 3 {
				return "", errors.New("unavailable")
			}
			return "ok", nil
		}

		start := time.Now()
		res := c.ResolveWith(t.Context(), "k", flaky, opts)
		require.NoError(t, res.Err)
		assert.Equal(t, "ok", res.Value)
		assert.Equal(t, int32(3), calls.Load())

		// 100-200ms then 200-400ms of jittered backoff.
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
		assert.Less(t, elapsed, 600*time.Millisecond)

		f := &counter{err: errors.New("down")}
		res = c.ResolveWith(t.Context(), "other", f.fetch, opts)
		var ferr *swr.FetchError
		require.ErrorAs(t, res.Err, &ferr)
		assert.Equal(t, 3, ferr.Attempts)
		assert.Equal(t, 3, f.Calls())
	})
}

func TestResolve_FetcherPanic(t *testing.T) {
	c := newController(t, swr.Config[string]{})

	res := c.Resolve(t.Context(), "k", func(context.Context, string) (string, error) {
		panic("bad fetcher")
	})
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "bad fetcher")
}

func TestResolve_CallerCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{})
		defer c.Close()
		f := &counter{val: "v", delay: time.Second}

		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()

		res := c.Resolve(ctx, "k", f.fetch)
		require.ErrorIs(t, res.Err, context.DeadlineExceeded)
		assert.True(t, res.IsLoading)

		// The shared fetch still completes for everyone else.
		time.Sleep(time.Second)
		synctest.Wait()
		e, ok := c.Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", e.Value)
	})
}

func TestMutate_RevalidatesWithLastFetcher(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := swr.New(swr.Config[string]{})
		defer c.Close()
		f := &counter{val: "server", delay: 50 * time.Millisecond}

		c.Resolve(t.Context(), "k", f.fetch)
		require.Equal(t, 1, f.Calls())

		require.NoError(t, c.Mutate(t.Context(), "k", "local", true))
		e, _ := c.Store().Get("k")
		assert.Equal(t, "local", e.Value)

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, 2, f.Calls())
		e, _ = c.Store().Get("k")
		assert.Equal(t, "server", e.Value)
	})
}

func TestClose(t *testing.T) {
	c := swr.New(swr.Config[string]{})
	f := &counter{val: "v"}

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	res := c.Resolve(t.Context(), "k", f.fetch)
	require.ErrorIs(t, res.Err, swr.ErrClosed)
	require.ErrorIs(t, c.Mutate(t.Context(), "k", "v", false), swr.ErrClosed)
	assert.Zero(t, f.Calls())
}

func TestMetrics_FetchAndThrottle(t *testing.T) {
	m := &mockMetrics{}
	m.On("Fetch", mock.AnythingOfType("time.Duration"), nil).Once()
	m.On("Throttled").Once()

	c := newController(t, swr.Config[string]{Metrics: m})
	f := &counter{val: "v"}

	require.NoError(t, c.Resolve(t.Context(), "k", f.fetch).Err)
	// The foreground fetch started the throttle window.
	c.Refresh(t.Context(), "k", f.fetch)

	assert.Equal(t, 1, f.Calls())
	m.AssertExpectations(t)
}
