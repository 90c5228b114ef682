package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"ohlcv-merge/internal/export"
)

// ExportOptions hold parameters for the batch export.
type ExportOptions struct {
	Symbols []string
	Start   time.Time
	End     time.Time
	Dir     string
	Workers int
	Format  string
	Chart   bool
}

// Export fetches every symbol and writes one file per symbol into the output directory.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if len(opts.Symbols) == 0 {
		return errors.New("at least one symbol must be provided")
	}

	dir := opts.Dir
	if dir == "" {
		dir = a.Config.Export.Dir
	}
	format := opts.Format
	if format == "" {
		format = a.Config.Export.Format
	}

	writer, err := export.New(export.Options{
		Format: export.Format(strings.ToLower(format)),
		Chart:  opts.Chart || a.Config.Export.Chart,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc, err := a.newService(ctx, serviceDeps{
		exporter: writer,
		workers:  a.Config.ResolveWorkers(opts.Workers),
	})
	if err != nil {
		return err
	}

	report, err := svc.Export(ctx, opts.Symbols, opts.Start, opts.End, dir)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Symbol\tStatus\tDetail")
	for _, sym := range report.WrittenSymbols() {
		fmt.Fprintf(tw, "%s\tok\t%s\n", sym, strings.Join(report.Written[sym], ","))
	}
	for _, sym := range report.Skipped {
		fmt.Fprintf(tw, "%s\tskipped\tduplicate\n", sym)
	}
	for _, sym := range report.FailedSymbols() {
		fmt.Fprintf(tw, "%s\tfailed\t%s\n", sym, sanitizeInline(report.Failed[sym].Error()))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(report.Failed) > 0 {
		return fmt.Errorf("%d symbols failed to export", len(report.Failed))
	}
	return nil
}
