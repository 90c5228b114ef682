package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/fsutil"
)

// Format names an output encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

const pricePlaces = 4

// ErrEmptyTable is returned for tables without rows.
var ErrEmptyTable = errors.New("export: empty table")

// Options select the output format and the optional chart.
type Options struct {
	Format Format
	Chart  bool
}

// Writer writes one file per symbol into a directory.
type Writer struct {
	opts   Options
	logger zerolog.Logger
}

// New validates opts and builds a Writer. An empty format means csv.
func New(opts Options, logger zerolog.Logger) (*Writer, error) {
	switch opts.Format {
	case "":
		opts.Format = FormatCSV
	case FormatCSV, FormatParquet:
	default:
		return nil, fmt.Errorf("export: unsupported format %q", opts.Format)
	}
	return &Writer{opts: opts, logger: logger.With().Str("component", "export").Logger()}, nil
}

// parquetBar is the on-disk row layout of the parquet format.
type parquetBar struct {
	Date   string  `parquet:"date"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// Check rejects tables that cannot be exported: empty, unsorted or non-finite.
func Check(t bars.Table) error {
	if len(t) == 0 {
		return ErrEmptyTable
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	for _, b := range t {
		if !b.Finite() {
			return fmt.Errorf("export: non-finite value on %s", b.Date.Format(bars.DateLayout))
		}
	}
	return nil
}

// Write stores t for symbol under dir and returns the written paths.
func (w *Writer) Write(dir, symbol string, t bars.Table) ([]string, error) {
	if err := Check(t); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(dir, symbol+"."+string(w.opts.Format))
	var err error
	switch w.opts.Format {
	case FormatParquet:
		err = writeParquet(path, t)
	default:
		err = writeCSV(path, t)
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	paths := []string{path}

	if w.opts.Chart && len(t) >= 2 {
		png := filepath.Join(dir, symbol+".png")
		if err := writeChart(png, symbol, t); err != nil {
			return paths, fmt.Errorf("write %s: %w", png, err)
		}
		paths = append(paths, png)
	}

	w.logger.Debug().Str("symbol", symbol).Int("rows", len(t)).Strs("paths", paths).Msg("exported")
	return paths, nil
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(pricePlaces)
}

func roundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(pricePlaces).InexactFloat64()
}

func writeCSV(path string, t bars.Table) error {
	return fsutil.WriteAtomic(path, func(out io.Writer) error {
		writer := csv.NewWriter(out)
		if err := writer.Write(bars.Columns); err != nil {
			return err
		}
		for _, b := range t {
			record := []string{
				b.Date.Format(bars.DateLayout),
				formatPrice(b.Open),
				formatPrice(b.High),
				formatPrice(b.Low),
				formatPrice(b.Close),
				strconv.FormatInt(b.Volume, 10),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
}

func writeParquet(path string, t bars.Table) error {
	rows := make([]parquetBar, len(t))
	for i, b := range t {
		rows[i] = parquetBar{
			Date:   b.Date.Format(bars.DateLayout),
			Open:   roundPrice(b.Open),
			High:   roundPrice(b.High),
			Low:    roundPrice(b.Low),
			Close:  roundPrice(b.Close),
			Volume: b.Volume,
		}
	}

	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err := parquet.WriteFile(tmp, rows); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func writeChart(path, symbol string, t bars.Table) error {
	x := make([]time.Time, len(t))
	closes := make([]float64, len(t))
	for i, b := range t {
		x[i] = b.Date
		closes[i] = b.Close
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  symbol,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Close",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    symbol,
				XValues: x,
				YValues: closes,
			},
		},
	}

	return fsutil.WriteAtomic(path, func(out io.Writer) error {
		return graph.Render(chart.PNG, out)
	})
}
