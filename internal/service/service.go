package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ohlcv-merge/internal/align"
	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/cache"
	"ohlcv-merge/internal/calendar"
	"ohlcv-merge/internal/export"
	"ohlcv-merge/internal/fetcher"
	"ohlcv-merge/internal/merge"
	"ohlcv-merge/internal/metrics"
	"ohlcv-merge/internal/storage"
	"ohlcv-merge/internal/symbol"
)

const (
	// FreqDaily is the only supported bar frequency.
	FreqDaily = "1d"
	// MergedLabel is the cache source label of reconciled results.
	MergedLabel = "merged"

	defaultProviderTimeout = 30 * time.Second
	defaultLookback        = 365
)

// Options is the plain-data configuration of a Service.
type Options struct {
	// Providers in priority order.
	Providers       []fetcher.Provider
	Calendar        *calendar.Calendar
	DefaultVenue    string
	Merge           merge.Options
	FillLeading     bool
	CacheEnabled    bool
	CacheTTL        map[string]time.Duration
	ProviderTimeout time.Duration
	ExportWorkers   int
	Exporter        *export.Writer
}

// Query is one request for a daily bar table. Zero End means the current session day,
// zero Start one year before End.
type Query struct {
	Symbol  string
	Start   time.Time
	End     time.Time
	Freq    string
	Adjust  bars.Adjust
	// NoCache skips the cache lookup. The result is still written back.
	NoCache bool
}

// Result is a fetched table with its provenance.
type Result struct {
	Symbol    string
	Start     time.Time
	End       time.Time
	Adjust    bars.Adjust
	Table     bars.Table
	Sources   []string
	Log       merge.Log
	FromCache bool
	CacheKey  string
	Sessions  int
	Failures  map[string]error
	// Uncovered is set when the range leaves the years the calendar has closures for.
	Uncovered bool
}

// Err reports ErrAllSourcesFailed, joined with each provider error, when sessions were requested
// but nothing produced data.
func (r *Result) Err() error {
	if r == nil || len(r.Table) > 0 || r.Sessions == 0 {
		return nil
	}
	errs := []error{bars.ErrAllSourcesFailed}
	for _, name := range sortedKeys(r.Failures) {
		errs = append(errs, fmt.Errorf("%s: %w", name, r.Failures[name]))
	}
	return errors.Join(errs...)
}

// Service orchestrates provider fetches, alignment, merging and caching.
type Service struct {
	opts    Options
	cache   *cache.Store
	audit   storage.MergeAuditStore
	metrics *metrics.Recorder
	now     func() time.Time
	logger  zerolog.Logger
}

// New constructs the orchestrator. The cache store, audit store and recorder are optional.
func New(opts Options, store *cache.Store, audit storage.MergeAuditStore, rec *metrics.Recorder, logger zerolog.Logger) *Service {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	if opts.ExportWorkers <= 0 {
		opts.ExportWorkers = 1
	}
	return &Service{
		opts:    opts,
		cache:   store,
		audit:   audit,
		metrics: rec,
		now:     time.Now,
		logger:  logger.With().Str("component", "service").Logger(),
	}
}

// Providers returns the configured provider names in priority order.
func (s *Service) Providers() []string {
	names := make([]string, len(s.opts.Providers))
	for i, p := range s.opts.Providers {
		names[i] = p.Name()
	}
	return names
}

// Get returns the reconciled table. Total source failure yields an empty table and no error.
func (s *Service) Get(ctx context.Context, sym string, start, end time.Time, freq string, adjust bars.Adjust) (bars.Table, error) {
	res, err := s.Fetch(ctx, Query{Symbol: sym, Start: start, End: end, Freq: freq, Adjust: adjust})
	if err != nil {
		return nil, err
	}
	return res.Table, nil
}

// Fetch runs the full pipeline for q. Only symbol, frequency and range errors are returned;
// provider and cache failures are isolated and reported through the Result.
func (s *Service) Fetch(ctx context.Context, q Query) (*Result, error) {
	if s.opts.Calendar == nil {
		return nil, errors.New("service: calendar not configured")
	}

	sym, err := symbol.Normalize(q.Symbol, s.opts.DefaultVenue)
	if err != nil {
		return nil, err
	}

	freq := q.Freq
	if freq == "" {
		freq = FreqDaily
	}
	if freq != FreqDaily {
		return nil, fmt.Errorf("unsupported frequency %q: only %s is implemented", freq, FreqDaily)
	}

	adjust := q.Adjust
	if adjust == "" {
		adjust = bars.AdjustPre
	}

	start, end := s.resolveRange(q.Start, q.End)
	if end.Before(start) {
		return nil, fmt.Errorf("invalid range: start %s after end %s", start.Format(bars.DateLayout), end.Format(bars.DateLayout))
	}

	sessions := s.opts.Calendar.Sessions(start, end)
	res := &Result{
		Symbol:   sym,
		Start:    start,
		End:      end,
		Adjust:   adjust,
		Table:    bars.Table{},
		Sessions:  len(sessions),
		Failures:  make(map[string]error),
		Uncovered: !s.opts.Calendar.Covers(start, end),
	}
	if res.Uncovered {
		first, last := s.opts.Calendar.Years()
		s.logger.Warn().
			Str("symbol", sym).
			Str("calendar", s.opts.Calendar.Name()).
			Int("first_year", first).
			Int("last_year", last).
			Time("start", start).
			Time("end", end).
			Msg("range outside calendar holiday coverage; closures there are treated as sessions")
	}
	if len(sessions) == 0 {
		s.logger.Info().Str("symbol", sym).Time("start", start).Time("end", end).Msg("no sessions in range")
		return res, nil
	}

	token := cacheFreq(freq, adjust)
	useCache := s.cache != nil && s.opts.CacheEnabled
	if useCache && !q.NoCache {
		if s.probeCache(res, token, s.opts.CacheTTL[freq]) {
			return res, nil
		}
	}

	req := fetcher.Request{Symbol: sym, Start: start, End: end, Freq: freq, Adjust: adjust}
	aligned, names := s.collect(ctx, req, res)

	switch len(names) {
	case 0:
		s.metrics.EmptyResult()
		s.logger.Warn().Str("symbol", sym).
			Int("providers", len(s.opts.Providers)).
			Err(res.Err()).
			Msg("all sources failed, returning empty table")
	case 1:
		res.Table = aligned[names[0]]
		res.Sources = names
		res.Log = merge.Log{Primary: names[0], Order: names}
	default:
		table, log := merge.Merge(aligned, sessions, s.opts.Merge)
		res.Table = table
		res.Sources = names
		res.Log = log
		s.metrics.Merge(log.FallbackUsed, decisions(log))
		s.logger.Info().Str("symbol", sym).
			Str("primary", log.Primary).
			Strs("order", log.Order).
			Int("fallback_used", log.FallbackUsed).
			Int("conflicts", len(log.Conflicts)).
			Int("unfilled", log.Unfilled).
			Msg("sources merged")
	}

	if useCache && len(res.Table) > 0 {
		label := MergedLabel
		if len(names) == 1 {
			label = names[0]
		}
		res.CacheKey = cache.Key(label, sym, start, end, token)
		err := s.cache.Write(res.CacheKey, res.Table)
		s.metrics.CacheWrite(err)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", res.CacheKey).Msg("cache write failed")
		}
	}

	s.recordAudit(ctx, res)
	return res, nil
}

func (s *Service) resolveRange(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = s.opts.Calendar.Today(s.now())
	}
	end = calendar.Day(end)
	if start.IsZero() {
		start = end.AddDate(0, 0, -defaultLookback)
	}
	return calendar.Day(start), end
}

// probeCache tries the merged entry first, then each provider in priority order.
func (s *Service) probeCache(res *Result, token string, ttl time.Duration) bool {
	labels := append([]string{MergedLabel}, s.Providers()...)
	for _, label := range labels {
		key := cache.Key(label, res.Symbol, res.Start, res.End, token)
		table, ok, err := s.cache.ReadIfFresh(key, ttl)
		if err != nil {
			s.metrics.CacheLookup("error")
			s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
			continue
		}
		if !ok || len(table) == 0 {
			continue
		}
		s.metrics.CacheLookup("hit")
		s.logger.Debug().Str("key", key).Int("rows", len(table)).Msg("cache hit")
		res.Table = table
		res.Sources = []string{label}
		res.FromCache = true
		res.CacheKey = key
		return true
	}
	s.metrics.CacheLookup("miss")
	return false
}

type outcome struct {
	name    string
	raw     bars.Table
	err     error
	elapsed time.Duration
}

// collect calls every provider concurrently, each under its own timeout, then aligns the
// successful tables. It returns aligned tables keyed by provider and the successful names
// in priority order.
func (s *Service) collect(ctx context.Context, req fetcher.Request, res *Result) (map[string]bars.Table, []string) {
	outcomes := make([]outcome, len(s.opts.Providers))

	var g errgroup.Group
	for i, p := range s.opts.Providers {
		i, p := i, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
			defer cancel()

			started := time.Now()
			table, err := p.Fetch(pctx, req)
			outcomes[i] = outcome{name: p.Name(), raw: table, err: err, elapsed: time.Since(started)}
			return nil
		})
	}
	_ = g.Wait()

	aligned := make(map[string]bars.Table, len(outcomes))
	names := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		s.metrics.ObserveFetch(o.name, o.err, o.elapsed)
		if o.err != nil {
			res.Failures[o.name] = o.err
			s.logger.Warn().Err(o.err).Str("provider", o.name).Str("symbol", req.Symbol).Msg("provider failed")
			continue
		}

		table, err := align.Align(o.raw, align.Options{
			Calendar:    s.opts.Calendar,
			Start:       req.Start,
			End:         req.End,
			Adjust:      req.Adjust,
			FillLeading: s.opts.FillLeading,
		})
		if err == nil && len(table) == 0 {
			err = &bars.ProviderError{Provider: o.name, Err: bars.ErrEmptySource}
		}
		if err != nil {
			res.Failures[o.name] = err
			s.logger.Warn().Err(err).Str("provider", o.name).Str("symbol", req.Symbol).Msg("source unusable after alignment")
			continue
		}
		aligned[o.name] = table
		names = append(names, o.name)
	}
	return aligned, names
}

func (s *Service) recordAudit(ctx context.Context, res *Result) {
	if s.audit == nil || res.FromCache {
		return
	}

	run := storage.MergeRun{
		Symbol:       res.Symbol,
		Start:        res.Start,
		End:          res.End,
		Adjust:       string(res.Adjust),
		Primary:      res.Log.Primary,
		Sources:      res.Sources,
		FallbackUsed: res.Log.FallbackUsed,
		Conflicts:    len(res.Log.Conflicts),
		Unfilled:     res.Log.Unfilled,
		Rows:         len(res.Table),
	}
	switch len(res.Sources) {
	case 0:
		run.Status = storage.StatusEmpty
		if err := res.Err(); err != nil {
			msg := err.Error()
			run.Error = &msg
		}
	case 1:
		run.Status = storage.StatusSingle
	default:
		run.Status = storage.StatusMerged
	}
	if payload, err := json.Marshal(res.Log); err == nil {
		run.Log = payload
	}

	if _, err := s.audit.InsertMergeRun(ctx, run); err != nil {
		s.logger.Warn().Err(err).Str("symbol", res.Symbol).Msg("failed to persist merge audit")
	}
}

// Ping checks every provider concurrently. Providers without a liveness check report
// fetcher.ErrPingUnsupported.
func (s *Service) Ping(ctx context.Context) map[string]error {
	errs := make([]error, len(s.opts.Providers))

	var g errgroup.Group
	for i, p := range s.opts.Providers {
		i, p := i, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
			defer cancel()
			errs[i] = fetcher.Ping(pctx, p)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(errs))
	for i, p := range s.opts.Providers {
		out[p.Name()] = errs[i]
	}
	return out
}

func cacheFreq(freq string, adjust bars.Adjust) string {
	if adjust == bars.AdjustPre {
		return freq
	}
	return freq + "+" + string(adjust)
}

func decisions(log merge.Log) []string {
	out := make([]string, len(log.Conflicts))
	for i, c := range log.Conflicts {
		out[i] = string(c.Decision)
	}
	return out
}

// MaxDeviationPct is the largest relative close difference among conflicts, in percent.
func MaxDeviationPct(log merge.Log) decimal.Decimal {
	worst := 0.0
	for _, c := range log.Conflicts {
		if c.PrimaryValue <= 0 {
			continue
		}
		d := math.Abs(c.AlternateValue-c.PrimaryValue) / math.Abs(c.PrimaryValue)
		if d > worst {
			worst = d
		}
	}
	return decimal.NewFromFloat(worst * 100)
}
