package prom_test

import (
	"errors"
	"testing"
	"time"

	"github.com/IvanBrykalov/swrcache/cache"
	"github.com/IvanBrykalov/swrcache/metrics/prom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_StoreEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := prom.New(reg, "swr", "test", nil)

	store := cache.New(cache.Options[string]{Capacity: 1, Shards: 1, Metrics: a})
	store.Set("a", "1", time.Minute, cache.PriorityMedium)
	store.Get("a")
	store.Get("missing")
	store.Set("b", "2", time.Minute, cache.PriorityMedium)

	n, err := testutil.GatherAndCount(reg, "swr_test_reads_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "hit and miss series")

	n, err = testutil.GatherAndCount(reg, "swr_test_evictions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := value(reg, "swr_test_size_entries")
	require.NoError(t, err)
	assert.InDelta(t, 1, size, 0)
}

func TestAdapter_ControllerEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := prom.New(reg, "swr", "", prometheus.Labels{"app": "test"})

	a.Fetch(10*time.Millisecond, nil)
	a.Fetch(20*time.Millisecond, errors.New("boom"))
	a.Deduplicated()
	a.Deduplicated()
	a.Throttled()

	n, err := testutil.GatherAndCount(reg, "swr_fetch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "ok and error series")

	v, err := value(reg, "swr_deduplicated_total")
	require.NoError(t, err)
	assert.InDelta(t, 2, v, 0)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom.New(reg, "swr", "dup", nil)
	assert.Panics(t, func() { prom.New(reg, "swr", "dup", nil) })
}

// value reads a single-series counter or gauge from reg.
func value(reg *prometheus.Registry, name string) (float64, error) {
	mfs, err := reg.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range mfs {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue(), nil
		}
		return m.GetGauge().GetValue(), nil
	}
	return 0, errors.New("metric not found: " + name)
}
