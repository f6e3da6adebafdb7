package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/swrcache/metrics/prom"
	"github.com/IvanBrykalov/swrcache/rules"
	"github.com/IvanBrykalov/swrcache/swr"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidFlag is returned for out-of-range flag values.
var ErrInvalidFlag = zerr.New("invalid flag value")

// prefixes spreads the keyspace over rule groups.
var prefixes = []string{"orders_", "profile_", "catalog_"}

type benchConfig struct {
	Duration       time.Duration
	Workers        int
	Keys           int
	ZipfS          float64
	Seed           int64
	Capacity       int
	WritePct       int
	Latency        time.Duration
	ErrorPct       int
	InvalidateEach time.Duration
	RulesPath      string
	MetricsAddr    string
}

type report struct {
	Ops, Fresh, Stale, Misses, Errors, Mutations, Invalidations int64
	Fetches                                                     int64
	Elapsed                                                     time.Duration
	Resident                                                    int
}

func (c *CLI) newRunCmd() *cobra.Command {
	var cfg benchConfig
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workload and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			r, err := runBench(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			r.print(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVarP(&cfg.Duration, "duration", "d", 10*time.Second, "benchmark duration")
	f.IntVarP(&cfg.Workers, "workers", "w", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	f.IntVar(&cfg.Keys, "keys", 10_000, "keyspace size")
	f.Float64Var(&cfg.ZipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	f.Int64Var(&cfg.Seed, "seed", time.Now().UnixNano(), "random seed")
	f.IntVar(&cfg.Capacity, "cap", 0, "store capacity in entries (0 = unbounded)")
	f.IntVar(&cfg.WritePct, "writes", 5, "percentage of operations that mutate [0..100]")
	f.DurationVar(&cfg.Latency, "latency", 20*time.Millisecond, "simulated fetch latency")
	f.IntVar(&cfg.ErrorPct, "errors", 1, "percentage of fetches that fail [0..100]")
	f.DurationVar(&cfg.InvalidateEach, "invalidate-every", time.Second, "publish a group invalidation this often (0 = never)")
	f.StringVarP(&cfg.RulesPath, "rules", "r", "", "YAML rules file (empty = built-in defaults)")
	f.StringVar(&cfg.MetricsAddr, "http", "", "serve Prometheus metrics at addr, e.g. :8080 (empty = disabled)")
	return cmd
}

func (cfg benchConfig) validate() error {
	switch {
	case cfg.Duration <= 0:
		return zerr.With(ErrInvalidFlag, "duration", cfg.Duration.String())
	case cfg.Keys < 2:
		return zerr.With(ErrInvalidFlag, "keys", cfg.Keys)
	case cfg.ZipfS <= 1:
		return zerr.With(ErrInvalidFlag, "zipf-s", cfg.ZipfS)
	case cfg.WritePct < 0 || cfg.WritePct > 100:
		return zerr.With(ErrInvalidFlag, "writes", cfg.WritePct)
	case cfg.ErrorPct < 0 || cfg.ErrorPct > 100:
		return zerr.With(ErrInvalidFlag, "errors", cfg.ErrorPct)
	}
	return nil
}

func runBench(ctx context.Context, cfg benchConfig) (report, error) {
	tbl := rules.Default()
	if cfg.RulesPath != "" {
		var err error
		if tbl, err = rules.Load(cfg.RulesPath); err != nil {
			return report{}, err
		}
	}

	reg := prometheus.NewRegistry()
	metrics := prom.New(reg, "swr", "bench", nil)
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, reg)
		if err != nil {
			return report{}, err
		}
		defer stop()
	}

	ctl := swr.New(swr.Config[string]{
		Capacity:     cfg.Capacity,
		CacheMetrics: metrics,
		Metrics:      metrics,
		Rules:        tbl,
	})
	defer func() { _ = ctl.Close() }()

	var fetches atomic.Int64
	fetch := func(ctx context.Context, key string) (string, error) {
		n := fetches.Add(1)
		if cfg.Latency > 0 {
			t := time.NewTimer(cfg.Latency)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if cfg.ErrorPct > 0 && n%100 < int64(cfg.ErrorPct) {
			return "", errors.New("simulated backend failure")
		}
		return key + "@" + strconv.FormatInt(n, 10), nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var ops, fresh, stale, misses, failed, mutations, invalidations atomic.Int64
	workers := max(cfg.Workers, 1)
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()

	for w := range workers {
		g.Go(func() error {
			// rand.Rand is not goroutine-safe; each worker owns one.
			rng := rand.New(rand.NewSource(cfg.Seed + int64(w)*9973))
			zipf := rand.NewZipf(rng, cfg.ZipfS, 1, uint64(cfg.Keys-1))
			for ctx.Err() == nil {
				n := zipf.Uint64()
				key := prefixes[n%uint64(len(prefixes))] + strconv.FormatUint(n, 10)
				ops.Add(1)

				if int(rng.Int31n(100)) < cfg.WritePct {
					if err := ctl.Mutate(ctx, key, "local", false); err == nil {
						mutations.Add(1)
					}
					continue
				}

				_, cached := ctl.Store().Get(key)
				res := ctl.Resolve(ctx, key, fetch)
				switch {
				case res.Err != nil && !res.HasValue:
					failed.Add(1)
				case !cached:
					misses.Add(1)
				case res.IsStale:
					stale.Add(1)
				default:
					fresh.Add(1)
				}
			}
			return nil
		})
	}

	if cfg.InvalidateEach > 0 {
		g.Go(func() error {
			t := time.NewTicker(cfg.InvalidateEach)
			defer t.Stop()
			i := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					ctl.InvalidateGroup(prefixes[i%len(prefixes)])
					invalidations.Add(1)
					i++
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return report{}, err
	}

	return report{
		Ops:           ops.Load(),
		Fresh:         fresh.Load(),
		Stale:         stale.Load(),
		Misses:        misses.Load(),
		Errors:        failed.Load(),
		Mutations:     mutations.Load(),
		Invalidations: invalidations.Load(),
		Fetches:       fetches.Load(),
		Elapsed:       time.Since(start),
		Resident:      ctl.Store().Len(),
	}, nil
}

// serveMetrics exposes reg on addr until stop is called.
func serveMetrics(addr string, reg *prometheus.Registry) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to listen for metrics"), "addr", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.WithField("addr", ln.Addr().String()).Info("swrbench: serving metrics")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("swrbench: metrics server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func (r report) print(w io.Writer, cfg benchConfig) {
	pct := func(n int64) string {
		reads := r.Fresh + r.Stale + r.Misses + r.Errors
		if reads == 0 {
			return "0%"
		}
		return humanize.FormatFloat("#.##", float64(n)/float64(reads)*100) + "%"
	}
	rate := float64(r.Ops) / r.Elapsed.Seconds()

	_, _ = fmt.Fprintf(w, "workers=%d keys=%s dur=%s seed=%d\n",
		max(cfg.Workers, 1), humanize.Comma(int64(cfg.Keys)), r.Elapsed.Round(time.Millisecond), cfg.Seed)
	_, _ = fmt.Fprintf(w, "ops=%s (%s ops/s) mutations=%s invalidations=%s\n",
		humanize.Comma(r.Ops), humanize.Commaf(float64(int64(rate))), humanize.Comma(r.Mutations), humanize.Comma(r.Invalidations))
	_, _ = fmt.Fprintf(w, "fresh=%s stale=%s miss=%s failed=%s\n",
		pct(r.Fresh), pct(r.Stale), pct(r.Misses), pct(r.Errors))
	_, _ = fmt.Fprintf(w, "fetches=%s resident=%s\n",
		humanize.Comma(r.Fetches), humanize.Comma(int64(r.Resident)))
}
