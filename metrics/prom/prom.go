// Package prom exports store and controller metrics to Prometheus.
package prom

import (
	"time"

	"github.com/IvanBrykalov/swrcache/cache"
	"github.com/IvanBrykalov/swrcache/swr"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and swr.Metrics.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	reads    *prometheus.CounterVec
	evicts   *prometheus.CounterVec
	sizeEnt  prometheus.Gauge
	sizeCost prometheus.Gauge

	fetches   *prometheus.HistogramVec
	dedup     prometheus.Counter
	discarded prometheus.Counter
	throttled prometheus.Counter
	rejected  prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		reads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "reads_total",
				Help:        "Store reads by result (hit, stale, miss)",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
		sizeCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_cost",
			Help:        "Total resident cost",
			ConstLabels: constLabels,
		}),
		fetches: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "fetch_duration_seconds",
				Help:        "Fetch latency including retries, by outcome",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		dedup:     counter("deduplicated_total", "Callers that joined an in-flight fetch"),
		discarded: counter("discarded_total", "Fetch results dropped because a newer request won"),
		throttled: counter("throttled_total", "Revalidations suppressed by throttling"),
		rejected:  counter("rejected_writes_total", "Writes dropped by the monotonic timestamp guard"),
	}
	reg.MustRegister(a.reads, a.evicts, a.sizeEnt, a.sizeCost,
		a.fetches, a.dedup, a.discarded, a.throttled, a.rejected)
	return a
}

// Hit counts a fresh read.
func (a *Adapter) Hit() { a.reads.WithLabelValues("hit").Inc() }

// Stale counts an expired-but-served read.
func (a *Adapter) Stale() { a.reads.WithLabelValues("stale").Inc() }

// Miss counts a read of an absent key.
func (a *Adapter) Miss() { a.reads.WithLabelValues("miss").Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates gauges for the number of entries and total cost.
func (a *Adapter) Size(entries int, cost int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeCost.Set(float64(cost))
}

// Fetch observes one fetch.
func (a *Adapter) Fetch(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.fetches.WithLabelValues(outcome).Observe(d.Seconds())
}

func (a *Adapter) Deduplicated() { a.dedup.Inc() }
func (a *Adapter) Discarded()    { a.discarded.Inc() }
func (a *Adapter) Throttled()    { a.throttled.Inc() }
func (a *Adapter) Rejected()     { a.rejected.Inc() }

var (
	_ cache.Metrics = (*Adapter)(nil)
	_ swr.Metrics   = (*Adapter)(nil)
)
