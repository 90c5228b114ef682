package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlcv-merge/internal/alerting"
	"ohlcv-merge/internal/align"
	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/cache"
	"ohlcv-merge/internal/calendar"
	"ohlcv-merge/internal/fetcher"
	"ohlcv-merge/internal/merge"
	"ohlcv-merge/internal/metrics"
	"ohlcv-merge/internal/storage"
)

const testSymbol = "600519.XSHG"

var (
	rangeStart = day(1)
	rangeEnd   = day(5)
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func flat(d int, c float64) bars.Bar {
	return bars.Bar{Date: day(d), Open: c, High: c, Low: c, Close: c, Volume: 100}
}

// week is Monday 2024-01-01 to Friday 2024-01-05 with the given closes.
func week(closes ...float64) bars.Table {
	t := make(bars.Table, 0, len(closes))
	for i, c := range closes {
		t = append(t, flat(i+1, c))
	}
	return t
}

type fakeProvider struct {
	name   string
	tables map[string]bars.Table
	err    error
	delay  time.Duration
	calls  int32
}

func newFake(name string, t bars.Table) *fakeProvider {
	return &fakeProvider{name: name, tables: map[string]bars.Table{testSymbol: t}}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Fetch(ctx context.Context, req fetcher.Request) (bars.Table, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &bars.ProviderError{Provider: f.name, Err: bars.ErrNetwork}
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tables[req.Symbol]
	if !ok || len(t) == 0 {
		return nil, &bars.ProviderError{Provider: f.name, Err: bars.ErrEmptySource}
	}
	return t.Clone(), nil
}

func (f *fakeProvider) Ping(ctx context.Context) error { return f.err }

func weekdays(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.Get("WEEKDAYS")
	require.NoError(t, err)
	return cal
}

func options(t *testing.T, providers ...fetcher.Provider) Options {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	mopts := merge.DefaultOptions()
	mopts.Priority = names
	return Options{
		Providers:       providers,
		Calendar:        weekdays(t),
		DefaultVenue:    "XSHG",
		Merge:           mopts,
		ProviderTimeout: time.Second,
		ExportWorkers:   2,
	}
}

func fetch(t *testing.T, svc *Service) *Result {
	t.Helper()
	res, err := svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: rangeStart, End: rangeEnd})
	require.NoError(t, err)
	return res
}

func TestSingleSourceShortcutIsVerbatim(t *testing.T) {
	raw := week(10, 10.2, 10.1, 10.4, 10.3)
	raw[2].Factor = 1
	raw[4].Factor = 2
	a := newFake("a", raw)
	failing := &fakeProvider{name: "b", err: &bars.ProviderError{Provider: "b", Err: bars.ErrAuthentication}}
	svc := New(options(t, a, failing), nil, nil, nil, zerolog.Nop())

	res := fetch(t, svc)

	want, err := align.Align(raw, align.Options{Calendar: weekdays(t), Start: rangeStart, End: rangeEnd, Adjust: bars.AdjustPre})
	require.NoError(t, err)
	assert.Equal(t, want, res.Table)
	assert.Equal(t, []string{"a"}, res.Sources)
	assert.Empty(t, res.Log.Conflicts)
	assert.Zero(t, res.Log.FallbackUsed)
	assert.ErrorIs(t, res.Failures["b"], bars.ErrAuthentication)
	assert.NoError(t, res.Err())
}

func TestFallbackFillsTrimmedPrimarySession(t *testing.T) {
	a := newFake("a", week(10, 10, 10, 10, 10)[1:])
	b := newFake("b", bars.Table{flat(1, 9.9), flat(2, 10), flat(3, 10), flat(4, 10), flat(5, 10)})
	svc := New(options(t, a, b), nil, nil, nil, zerolog.Nop())

	res := fetch(t, svc)

	require.Len(t, res.Table, 5)
	assert.Equal(t, flat(1, 9.9), res.Table[0])
	assert.Equal(t, "a", res.Log.Primary)
	assert.Equal(t, 1, res.Log.FallbackUsed)
	assert.Empty(t, res.Log.Conflicts)
}

func TestConflictKeepsHigherQualityPrimary(t *testing.T) {
	a := newFake("a", week(10, 10, 10, 10, 10.3))
	bTable := week(10, 10, 10, 10, 10)
	bTable[1].High = 9.9 // invalid row lowers b's score
	b := newFake("b", bTable)

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	svc := New(options(t, a, b), nil, nil, rec, zerolog.Nop())

	res := fetch(t, svc)

	require.Len(t, res.Table, 5)
	assert.Equal(t, 10.3, res.Table[4].Close)
	require.Len(t, res.Log.Conflicts, 1)
	c := res.Log.Conflicts[0]
	assert.Equal(t, merge.DecisionKeepPrimary, c.Decision)
	assert.Equal(t, day(5), c.Date)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.MergeConflicts.WithLabelValues("keep_primary")))
	assert.Equal(t, "3", MaxDeviationPct(res.Log).Round(0).String())
}

func TestZeroProvidersGiveEmptyTable(t *testing.T) {
	svc := New(options(t), nil, nil, nil, zerolog.Nop())

	table, err := svc.Get(context.Background(), testSymbol, rangeStart, rangeEnd, "1d", bars.AdjustPre)
	require.NoError(t, err)
	assert.NotNil(t, table)
	assert.Empty(t, table)

	res := fetch(t, svc)
	assert.ErrorIs(t, res.Err(), bars.ErrAllSourcesFailed)
}

func TestAllProvidersFailingIsNotAnError(t *testing.T) {
	a := &fakeProvider{name: "a", err: &bars.ProviderError{Provider: "a", Err: bars.ErrNetwork}}
	b := newFake("b", nil)
	rec := metrics.New(prometheus.NewRegistry())
	svc := New(options(t, a, b), nil, nil, rec, zerolog.Nop())

	res := fetch(t, svc)
	assert.Empty(t, res.Table)
	assert.Len(t, res.Failures, 2)
	assert.ErrorIs(t, res.Err(), bars.ErrNetwork)
	assert.ErrorIs(t, res.Err(), bars.ErrEmptySource)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.EmptyResults))
}

func TestSlowProviderDoesNotDelayOthers(t *testing.T) {
	slow := newFake("slow", week(1, 1, 1, 1, 1))
	slow.delay = 10 * time.Second
	fast := newFake("fast", week(10, 10, 10, 10, 10))
	opts := options(t, slow, fast)
	opts.ProviderTimeout = 50 * time.Millisecond
	svc := New(opts, nil, nil, nil, zerolog.Nop())

	started := time.Now()
	res := fetch(t, svc)

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, []string{"fast"}, res.Sources)
	assert.ErrorIs(t, res.Failures["slow"], bars.ErrNetwork)
}

func TestCacheHitSkipsProviders(t *testing.T) {
	a := newFake("a", week(10, 10.5, 11, 11.5, 12))
	store := cache.New(t.TempDir(), zerolog.Nop())
	opts := options(t, a)
	opts.CacheEnabled = true
	opts.CacheTTL = map[string]time.Duration{"1d": time.Hour}
	svc := New(opts, store, nil, nil, zerolog.Nop())

	first := fetch(t, svc)
	require.False(t, first.FromCache)
	assert.Equal(t, cache.Key("a", testSymbol, rangeStart, rangeEnd, "1d"), first.CacheKey)

	second := fetch(t, svc)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Table, second.Table)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a.calls))

	bypass, err := svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: rangeStart, End: rangeEnd, NoCache: true})
	require.NoError(t, err)
	assert.False(t, bypass.FromCache)
	assert.Equal(t, int32(2), atomic.LoadInt32(&a.calls))
}

func TestCacheKeySeparatesAdjustModes(t *testing.T) {
	a := newFake("a", week(10, 10, 10, 10, 10))
	opts := options(t, a)
	opts.CacheEnabled = true
	opts.CacheTTL = map[string]time.Duration{"1d": time.Hour}
	svc := New(opts, cache.New(t.TempDir(), zerolog.Nop()), nil, nil, zerolog.Nop())

	res, err := svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: rangeStart, End: rangeEnd, Adjust: bars.AdjustPost})
	require.NoError(t, err)
	assert.Equal(t, cache.Key("a", testSymbol, rangeStart, rangeEnd, "1d+post"), res.CacheKey)
}

func TestIntradayRowsCollapseToDailyBars(t *testing.T) {
	dir := t.TempDir()
	content := "date,open,high,low,close,volume\n" +
		"2024-01-02 09:30:00,10,10.5,9.8,10.2,200\n" +
		"2024-01-02 15:00:00,10.2,10.4,9.7,10.3,300\n" +
		"2024-01-03 09:30:00,10.3,10.6,10.1,10.5,100\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "600519.csv"), []byte(content), 0o644))

	csv := fetcher.NewCSVDir(fetcher.CSVDirOptions{Name: "csv", Dir: dir}, zerolog.Nop())
	svc := New(options(t, csv), nil, nil, nil, zerolog.Nop())

	res := fetch(t, svc)
	require.NoError(t, res.Err())
	assert.Empty(t, res.Failures)
	assert.Equal(t, []string{"csv"}, res.Sources)
	require.NotEmpty(t, res.Table)
	assert.Equal(t, bars.Bar{Date: day(2), Open: 10, High: 10.5, Low: 9.7, Close: 10.3, Volume: 500}, res.Table[0])
	assert.Equal(t, day(3), res.Table[1].Date)
	assert.Equal(t, 10.5, res.Table[1].Close)
}

func TestRangeOutsideHolidayCoverageIsFlagged(t *testing.T) {
	cal, err := calendar.Get("XSHG")
	require.NoError(t, err)
	opts := options(t)
	opts.Calendar = cal
	svc := New(opts, nil, nil, nil, zerolog.Nop())

	res, err := svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: time.Date(2027, 1, 4, 0, 0, 0, 0, time.UTC), End: time.Date(2027, 1, 8, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.True(t, res.Uncovered)

	res, err = svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 9, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.False(t, res.Uncovered)
	assert.Equal(t, 2, res.Sessions)
}

func TestFetchRejectsBadInput(t *testing.T) {
	svc := New(options(t), nil, nil, nil, zerolog.Nop())

	_, err := svc.Fetch(context.Background(), Query{Symbol: "??", Start: rangeStart, End: rangeEnd})
	assert.ErrorIs(t, err, bars.ErrUnresolvableSymbol)

	_, err = svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: rangeStart, End: rangeEnd, Freq: "1m"})
	assert.Error(t, err)

	_, err = svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: rangeEnd, End: rangeStart})
	assert.Error(t, err)
}

func TestWeekendRangeHasNoSessions(t *testing.T) {
	a := newFake("a", week(10))
	svc := New(options(t, a), nil, nil, nil, zerolog.Nop())

	res, err := svc.Fetch(context.Background(), Query{Symbol: testSymbol, Start: day(6), End: day(7)})
	require.NoError(t, err)
	assert.Empty(t, res.Table)
	assert.NoError(t, res.Err())
	assert.Zero(t, atomic.LoadInt32(&a.calls))
}

func TestDefaultRangeEndsToday(t *testing.T) {
	a := newFake("a", week(10, 10, 10, 10, 10))
	svc := New(options(t, a), nil, nil, nil, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC) }

	res, err := svc.Fetch(context.Background(), Query{Symbol: testSymbol})
	require.NoError(t, err)
	assert.Equal(t, day(5), res.End)
	assert.Equal(t, time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC), res.Start)
	assert.Len(t, res.Table, 5)
}

type fakeAudit struct {
	mu   sync.Mutex
	runs []storage.MergeRun
}

func (f *fakeAudit) InsertMergeRun(ctx context.Context, run storage.MergeRun) (storage.MergeRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return run, nil
}

func (f *fakeAudit) ListRecentMergeRuns(ctx context.Context, symbol string, limit int) ([]storage.MergeRun, error) {
	return nil, nil
}

func (f *fakeAudit) DeleteMergeRunsBefore(ctx context.Context, olderThan time.Time) error {
	return nil
}

func TestMergeAuditRecorded(t *testing.T) {
	a := newFake("a", week(10, 10, 10, 10, 10.3))
	b := newFake("b", week(10, 10, 10, 10, 10))
	audit := &fakeAudit{}
	svc := New(options(t, a, b), nil, audit, nil, zerolog.Nop())

	fetch(t, svc)

	require.Len(t, audit.runs, 1)
	run := audit.runs[0]
	assert.Equal(t, storage.StatusMerged, run.Status)
	assert.Equal(t, testSymbol, run.Symbol)
	assert.Equal(t, 1, run.Conflicts)
	assert.Contains(t, string(run.Log), `"decision":"keep_primary"`)
}

func TestExportIsolatesFailures(t *testing.T) {
	a := newFake("a", week(10, 10.5, 11, 11.5, 12))
	svc := New(options(t, a), nil, nil, nil, zerolog.Nop())
	out := t.TempDir()

	report, err := svc.Export(context.Background(), []string{testSymbol, "000001.XSHE", "bogus!", "sh600519"}, rangeStart, rangeEnd, out)
	require.NoError(t, err)

	assert.Equal(t, []string{testSymbol}, report.WrittenSymbols())
	assert.Equal(t, []string{"000001.XSHE", "bogus!"}, report.FailedSymbols())
	assert.ErrorIs(t, report.Failed["000001.XSHE"], bars.ErrAllSourcesFailed)
	assert.ErrorIs(t, report.Failed["bogus!"], bars.ErrUnresolvableSymbol)
	assert.Equal(t, []string{"sh600519"}, report.Skipped)

	raw, err := os.ReadFile(filepath.Join(out, testSymbol+".csv"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "2024-01-05,12.0000,12.0000,12.0000,12.0000,100")
}

func TestPing(t *testing.T) {
	a := newFake("a", nil)
	b := &fakeProvider{name: "b", err: errors.New("down")}
	svc := New(options(t, a, b), nil, nil, nil, zerolog.Nop())

	results := svc.Ping(context.Background())
	assert.NoError(t, results["a"])
	assert.EqualError(t, results["b"], "down")
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	f.notes = append(f.notes, note)
	return nil
}

type fakeLocker struct {
	acquired bool
	released bool
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.released = true }, true, nil
}

func TestRefreshNotifiesOnConflicts(t *testing.T) {
	a := newFake("a", week(10, 10, 10, 10, 10.3))
	b := newFake("b", week(10, 10, 10, 10, 10))
	opts := options(t, a, b)
	opts.CacheEnabled = true
	opts.CacheTTL = map[string]time.Duration{"1d": time.Hour}
	store := cache.New(t.TempDir(), zerolog.Nop())
	svc := New(opts, store, nil, nil, zerolog.Nop())

	notifier := &fakeNotifier{}
	locker := &fakeLocker{acquired: true}
	r := NewRefresher(svc, nil, locker, notifier, RefreshOptions{
		Watchlist:    []string{testSymbol},
		LookbackDays: 4,
		LockKey:      42,
		AlertsOn:     true,
	}, zerolog.Nop())

	require.NoError(t, r.ProcessBucket(context.Background(), time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)))

	require.Len(t, notifier.notes, 1)
	assert.Equal(t, 1, notifier.notes[0].Conflicts)
	assert.Equal(t, "a", notifier.notes[0].Primary)
	assert.True(t, locker.released)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files, "refresh should warm the merged cache entry")
}

func TestRefreshSkipsWhenLockHeld(t *testing.T) {
	a := newFake("a", week(10, 10, 10, 10, 10))
	svc := New(options(t, a), nil, nil, nil, zerolog.Nop())
	r := NewRefresher(svc, nil, &fakeLocker{}, nil, RefreshOptions{Watchlist: []string{testSymbol}, LockKey: 42}, zerolog.Nop())

	require.NoError(t, r.ProcessBucket(context.Background(), time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)))
	assert.Zero(t, atomic.LoadInt32(&a.calls))
}
