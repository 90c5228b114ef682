package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ohlcv-merge/internal/alerting"
	"ohlcv-merge/internal/merge"
	"ohlcv-merge/internal/scheduler"
	"ohlcv-merge/internal/storage"
)

// RefreshOptions configure the periodic watchlist refresh.
type RefreshOptions struct {
	Watchlist    []string
	LookbackDays int
	LockKey      int64
	// AlertsOn enables notifications; MinConflicts is the conflict count that triggers one.
	AlertsOn     bool
	MinConflicts int
	Channels     []string
}

// Refresher re-fetches the watchlist on every scheduler tick, bypassing and rewriting the cache.
type Refresher struct {
	svc       *Service
	scheduler *scheduler.Scheduler
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	opts      RefreshOptions
	logger    zerolog.Logger
}

// NewRefresher wires the refresh job. locker and notifier are optional.
func NewRefresher(svc *Service, sched *scheduler.Scheduler, locker storage.AdvisoryLocker, notifier alerting.Notifier, opts RefreshOptions, logger zerolog.Logger) *Refresher {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	if opts.MinConflicts <= 0 {
		opts.MinConflicts = 1
	}
	return &Refresher{
		svc:       svc,
		scheduler: sched,
		locker:    locker,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "refresher").Logger(),
	}
}

// Run begins the aligned refresh loop.
func (r *Refresher) Run(ctx context.Context) error {
	if r.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return r.scheduler.Run(ctx, r.ProcessBucket)
}

// ProcessBucket 刷新一次观察列表。
func (r *Refresher) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		r.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	end := r.svc.opts.Calendar.Today(bucket)
	start := end.AddDate(0, 0, -r.opts.LookbackDays)

	refreshed, failed := 0, 0
	for _, sym := range r.opts.Watchlist {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := r.svc.Fetch(ctx, Query{Symbol: sym, Start: start, End: end, NoCache: true})
		if err != nil {
			failed++
			r.logger.Error().Err(err).Str("symbol", sym).Msg("refresh failed")
			continue
		}
		if res.Err() != nil {
			failed++
		} else {
			refreshed++
		}
		r.maybeNotify(ctx, bucket, res)
	}

	r.logger.Info().Time("bucket", bucket).
		Int("refreshed", refreshed).
		Int("failed", failed).
		Msg("watchlist refreshed")
	return nil
}

func (r *Refresher) maybeNotify(ctx context.Context, bucket time.Time, res *Result) {
	if !r.opts.AlertsOn || r.notifier == nil {
		return
	}

	allFailed := res.Err() != nil
	conflicts := len(res.Log.Conflicts)
	if !allFailed && conflicts < r.opts.MinConflicts {
		return
	}

	note := alerting.Notification{
		Symbol:          res.Symbol,
		Bucket:          bucket,
		Start:           res.Start,
		End:             res.End,
		Primary:         res.Log.Primary,
		Sources:         res.Sources,
		Conflicts:       conflicts,
		FallbackUsed:    res.Log.FallbackUsed,
		Unfilled:        res.Log.Unfilled,
		MaxDeviationPct: MaxDeviationPct(res.Log),
		Channels:        r.opts.Channels,
	}
	for _, c := range res.Log.Conflicts {
		if c.Decision == merge.DecisionOverride {
			note.Overrides++
		}
	}
	if len(res.Failures) > 0 {
		note.Failures = make(map[string]string, len(res.Failures))
		for name, err := range res.Failures {
			note.Failures[name] = err.Error()
		}
	}

	if err := r.notifier.Notify(ctx, note); err != nil {
		r.logger.Error().Err(err).Str("symbol", res.Symbol).Msg("failed to dispatch alert")
	}
}

func (r *Refresher) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.opts.LockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
