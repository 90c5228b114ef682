package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ohlcv-merge/internal/service"
)

const defaultBackfillChunk = 365

// BackfillOptions configure the historical cache warm-up.
type BackfillOptions struct {
	Symbols []string
	From    time.Time
	To      time.Time
	// ChunkDays splits the range into windows of this many calendar days.
	ChunkDays int
	DryRun    bool
}

// Backfill fetches historical windows for each symbol, refreshing the cache and the merge audit.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = a.Config.Scheduler.Watchlist
	}
	if len(symbols) == 0 {
		return errors.New("没有需要回填的 symbol，请传入 --symbols 或配置 scheduler.watchlist")
	}

	if opts.To.IsZero() {
		opts.To = time.Now().UTC()
	}
	if opts.From.IsZero() || !opts.From.Before(opts.To) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}
	chunk := opts.ChunkDays
	if chunk <= 0 {
		chunk = defaultBackfillChunk
	}

	deps := serviceDeps{}
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入缓存与审计")
		deps.noCache = true
		deps.noAudit = true
	}
	svc, err := a.newService(ctx, deps)
	if err != nil {
		return err
	}

	processed := 0
	failed := 0
	for _, sym := range symbols {
		for start := opts.From; !start.After(opts.To); start = start.AddDate(0, 0, chunk) {
			if err := ctx.Err(); err != nil {
				return err
			}

			end := start.AddDate(0, 0, chunk-1)
			if end.After(opts.To) {
				end = opts.To
			}

			res, err := svc.Fetch(ctx, service.Query{Symbol: sym, Start: start, End: end, NoCache: true})
			if err == nil {
				err = res.Err()
			}
			if err != nil {
				failed++
				a.Logger.Error().Err(err).Str("symbol", sym).Time("start", start).Time("end", end).Msg("回填失败")
				continue
			}
			processed++
			a.Logger.Debug().Str("symbol", res.Symbol).Time("start", start).Int("rows", len(res.Table)).Msg("window backfilled")
		}
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return fmt.Errorf("%d 个窗口回填失败，请检查日志", failed)
	}
	return nil
}
