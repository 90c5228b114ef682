package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/symbol"
)

// CSVDirOptions configure an offline directory of per-symbol CSV files.
type CSVDirOptions struct {
	Name string
	Dir  string
}

// CSVDir serves bars from files named after the symbol, e.g. 600519.csv,
// 600519.XSHG.csv, 600519.SH.csv or 600519_<anything>.csv.
type CSVDir struct {
	opts   CSVDirOptions
	logger zerolog.Logger
}

// NewCSVDir constructs a CSV directory provider.
func NewCSVDir(opts CSVDirOptions, logger zerolog.Logger) *CSVDir {
	return &CSVDir{opts: opts, logger: logger.With().Str("component", "csv_provider").Str("provider", opts.Name).Logger()}
}

func (c *CSVDir) Name() string { return c.opts.Name }

// Fetch reads the symbol's file and returns the rows within the requested range.
func (c *CSVDir) Fetch(ctx context.Context, req Request) (bars.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, &bars.ProviderError{Provider: c.opts.Name, Err: err}
	}

	path, err := c.locate(req.Symbol)
	if err != nil {
		return nil, &bars.ProviderError{Provider: c.opts.Name, Err: err}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &bars.ProviderError{Provider: c.opts.Name, Err: err}
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, &bars.ProviderError{Provider: c.opts.Name, Err: fmt.Errorf("read %s: %w", path, err)}
	}
	if len(records) == 0 {
		return nil, &bars.ProviderError{Provider: c.opts.Name, Err: bars.ErrEmptySource}
	}

	table, err := bars.FromRecords(records[0], records[1:])
	if err != nil {
		return nil, &bars.ProviderError{Provider: c.opts.Name, Err: err}
	}

	c.logger.Debug().Str("path", path).Int("rows", len(table)).Msg("csv loaded")
	return checkTable(c.opts.Name, table.Slice(req.Start, req.End))
}

// Ping verifies the directory exists.
func (c *CSVDir) Ping(ctx context.Context) error {
	info, err := os.Stat(c.opts.Dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.opts.Dir)
	}
	return nil
}

func (c *CSVDir) locate(sym string) (string, error) {
	if c.opts.Dir == "" {
		return "", errors.New("csv directory not configured")
	}

	code := symbol.Code(sym)
	candidates := []string{code + ".csv", sym + ".csv"}
	if ts, err := symbol.Render(sym, symbol.StyleTushare); err == nil {
		candidates = append(candidates, ts+".csv")
	}
	for _, name := range candidates {
		path := filepath.Join(c.opts.Dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(c.opts.Dir, code+"_*.csv"))
	if err != nil {
		return "", err
	}
	if len(matches) > 0 {
		sort.Strings(matches)
		return matches[0], nil
	}
	return "", fmt.Errorf("no csv for %s in %s: %w", sym, c.opts.Dir, fs.ErrNotExist)
}

var _ Provider = (*CSVDir)(nil)
var _ Pinger = (*CSVDir)(nil)
