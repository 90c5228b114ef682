package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ohlcv-merge/internal/bars"
)

// Recorder holds every collector. A nil *Recorder is valid and records nothing.
type Recorder struct {
	ProviderFetches *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	CacheWrites     *prometheus.CounterVec
	MergeConflicts  *prometheus.CounterVec
	FallbackRows    prometheus.Counter
	EmptyResults    prometheus.Counter
	ExportSymbols   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when it is non-nil.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ProviderFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_provider_fetch_total",
				Help: "Provider fetches by outcome",
			},
			[]string{"provider", "result"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ohlcv_provider_fetch_duration_seconds",
				Help:    "Provider fetch latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_cache_lookup_total",
				Help: "Cache lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),
		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_cache_write_total",
				Help: "Cache writes by result (ok, error)",
			},
			[]string{"result"},
		),
		MergeConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_merge_conflicts_total",
				Help: "Close-price conflicts by decision",
			},
			[]string{"decision"},
		),
		FallbackRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_merge_fallback_rows_total",
			Help: "Primary gaps filled from an alternate source",
		}),
		EmptyResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_empty_results_total",
			Help: "Queries where no cache entry or provider produced data",
		}),
		ExportSymbols: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_export_symbols_total",
				Help: "Exported symbols by result (written, failed)",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			r.ProviderFetches,
			r.ProviderLatency,
			r.CacheLookups,
			r.CacheWrites,
			r.MergeConflicts,
			r.FallbackRows,
			r.EmptyResults,
			r.ExportSymbols,
		)
	}
	return r
}

// ObserveFetch records one provider call.
func (r *Recorder) ObserveFetch(provider string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.ProviderFetches.WithLabelValues(provider, fetchResult(err)).Inc()
	r.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, bars.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, bars.ErrAuthentication):
		return "auth"
	case errors.Is(err, bars.ErrNetwork):
		return "network"
	case errors.Is(err, bars.ErrEmptySource):
		return "empty"
	default:
		return "error"
	}
}

func (r *Recorder) CacheLookup(result string) {
	if r == nil {
		return
	}
	r.CacheLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) CacheWrite(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.CacheWrites.WithLabelValues(result).Inc()
}

// Merge records the outcome of one merge.
func (r *Recorder) Merge(fallbackRows int, decisions []string) {
	if r == nil {
		return
	}
	r.FallbackRows.Add(float64(fallbackRows))
	for _, d := range decisions {
		r.MergeConflicts.WithLabelValues(d).Inc()
	}
}

func (r *Recorder) EmptyResult() {
	if r == nil {
		return
	}
	r.EmptyResults.Inc()
}

func (r *Recorder) Export(err error) {
	if r == nil {
		return
	}
	result := "written"
	if err != nil {
		result = "failed"
	}
	r.ExportSymbols.WithLabelValues(result).Inc()
}
