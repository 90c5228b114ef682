package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/storage"
)

// AuditOptions configure the audit listing.
type AuditOptions struct {
	Symbol string
	Limit  int
	// PruneOlderThan deletes audits older than the duration instead of listing.
	PruneOlderThan time.Duration
}

// Audit prints recent merge runs, or prunes old ones.
func (a *App) Audit(ctx context.Context, opts AuditOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; no merge audit available")
	}
	return a.audit(ctx, store, opts)
}

func (a *App) audit(ctx context.Context, store storage.MergeAuditStore, opts AuditOptions) error {
	if opts.PruneOlderThan > 0 {
		cutoff := time.Now().UTC().Add(-opts.PruneOlderThan)
		if err := store.DeleteMergeRunsBefore(ctx, cutoff); err != nil {
			return err
		}
		a.Logger.Info().Time("cutoff", cutoff).Msg("merge audits pruned")
		return nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	runs, err := store.ListRecentMergeRuns(ctx, opts.Symbol, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no merge runs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tRange\tAdjust\tPrimary\tSources\tRows\tFallback\tConflicts\tStatus\tError")
	for _, run := range runs {
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s..%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			run.CreatedAt.UTC().Format(time.RFC3339),
			run.Symbol,
			formatDay(run.Start),
			formatDay(run.End),
			run.Adjust,
			run.Primary,
			strings.Join(run.Sources, ","),
			run.Rows,
			run.FallbackUsed,
			run.Conflicts,
			run.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(bars.DateLayout)
}
