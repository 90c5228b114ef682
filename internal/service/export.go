package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"ohlcv-merge/internal/export"
	"ohlcv-merge/internal/symbol"
)

// ExportReport summarises a batch export.
type ExportReport struct {
	// Written maps canonical symbols to the files produced for them.
	Written map[string][]string
	// Failed maps the requested symbol to the reason it was not exported.
	Failed map[string]error
	// Skipped lists inputs resolving to a symbol that appears earlier in the batch.
	Skipped  []string
	Duration time.Duration
}

type exportSlot struct {
	symbol string
	paths  []string
	err    error
}

// Export fetches each symbol and writes it under outDir with a bounded worker pool.
// A failing symbol is recorded in the report and never cancels its siblings.
func (s *Service) Export(ctx context.Context, symbols []string, start, end time.Time, outDir string) (ExportReport, error) {
	started := time.Now()
	report := ExportReport{
		Written: make(map[string][]string),
		Failed:  make(map[string]error),
	}

	writer := s.opts.Exporter
	if writer == nil {
		var err error
		if writer, err = export.New(export.Options{}, s.logger); err != nil {
			return report, err
		}
	}

	inputs := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, raw := range symbols {
		canonical, err := symbol.Normalize(raw, s.opts.DefaultVenue)
		if err != nil {
			report.Failed[raw] = err
			s.metrics.Export(err)
			continue
		}
		if seen[canonical] {
			report.Skipped = append(report.Skipped, raw)
			continue
		}
		seen[canonical] = true
		inputs = append(inputs, canonical)
	}

	slots := make([]exportSlot, len(inputs))

	var g errgroup.Group
	g.SetLimit(s.opts.ExportWorkers)
	for i, sym := range inputs {
		i, sym := i, sym
		g.Go(func() error {
			slots[i] = s.exportOne(ctx, writer, sym, start, end, outDir)
			return nil
		})
	}
	_ = g.Wait()

	for _, slot := range slots {
		s.metrics.Export(slot.err)
		if slot.err != nil {
			report.Failed[slot.symbol] = slot.err
			s.logger.Warn().Err(slot.err).Str("symbol", slot.symbol).Msg("export failed")
			continue
		}
		report.Written[slot.symbol] = slot.paths
	}

	report.Duration = time.Since(started)
	s.logger.Info().
		Int("written", len(report.Written)).
		Int("failed", len(report.Failed)).
		Int("skipped", len(report.Skipped)).
		Dur("duration", report.Duration).
		Msg("export finished")
	return report, ctx.Err()
}

func (s *Service) exportOne(ctx context.Context, writer *export.Writer, sym string, start, end time.Time, outDir string) exportSlot {
	slot := exportSlot{symbol: sym}
	if err := ctx.Err(); err != nil {
		slot.err = err
		return slot
	}

	res, err := s.Fetch(ctx, Query{Symbol: sym, Start: start, End: end})
	if err != nil {
		slot.err = err
		return slot
	}
	if err := res.Err(); err != nil {
		slot.err = err
		return slot
	}
	if len(res.Table) == 0 {
		slot.err = fmt.Errorf("no sessions between %s and %s", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))
		return slot
	}

	slot.paths, slot.err = writer.Write(outDir, sym, res.Table)
	return slot
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FailedSymbols lists failed symbols in name order.
func (r ExportReport) FailedSymbols() []string {
	return sortedKeys(r.Failed)
}

// WrittenSymbols lists exported symbols in name order.
func (r ExportReport) WrittenSymbols() []string {
	return sortedKeys(r.Written)
}
