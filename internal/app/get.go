package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/service"
)

// Output formats of the get command.
const (
	OutputTable = "table"
	OutputCSV   = "csv"
	OutputJSON  = "json"
)

// GetOptions configure the get command.
type GetOptions struct {
	Symbol  string
	Start   time.Time
	End     time.Time
	Adjust  string
	NoCache bool
	Output  string
	// ShowLog prints the merge log after the table.
	ShowLog bool
}

// Get fetches one symbol and prints the merged table.
func (a *App) Get(ctx context.Context, opts GetOptions) error {
	adjust, err := bars.ParseAdjust(opts.Adjust)
	if err != nil {
		return err
	}
	output := strings.ToLower(strings.TrimSpace(opts.Output))
	if output == "" {
		output = OutputTable
	}
	if output != OutputTable && output != OutputCSV && output != OutputJSON {
		return fmt.Errorf("unsupported output %q", opts.Output)
	}

	svc, err := a.newService(ctx, serviceDeps{})
	if err != nil {
		return err
	}

	res, err := svc.Fetch(ctx, service.Query{
		Symbol:  opts.Symbol,
		Start:   opts.Start,
		End:     opts.End,
		Freq:    service.FreqDaily,
		Adjust:  adjust,
		NoCache: opts.NoCache,
	})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}

	a.Logger.Info().
		Str("symbol", res.Symbol).
		Int("rows", len(res.Table)).
		Strs("sources", res.Sources).
		Bool("from_cache", res.FromCache).
		Msg("fetched")

	switch output {
	case OutputCSV:
		err = writeTableCSV(a.Out, res.Table)
	case OutputJSON:
		err = writeResultJSON(a.Out, res)
	default:
		err = writeTableText(a.Out, res)
	}
	if err != nil {
		return err
	}

	if opts.ShowLog && output == OutputTable {
		return writeMergeLog(a.Out, res)
	}
	return nil
}

func writeTableCSV(out io.Writer, t bars.Table) error {
	writer := csv.NewWriter(out)
	if err := writer.Write(bars.Columns); err != nil {
		return err
	}
	if err := writer.WriteAll(t.Records()); err != nil {
		return err
	}
	return writer.Error()
}

type jsonBar struct {
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

type jsonResult struct {
	Symbol    string      `json:"symbol"`
	Start     string      `json:"start"`
	End       string      `json:"end"`
	Adjust    bars.Adjust `json:"adjust"`
	Sources   []string    `json:"sources"`
	FromCache bool        `json:"from_cache"`
	Bars      []jsonBar   `json:"bars"`
	Log       interface{} `json:"log,omitempty"`
}

func writeResultJSON(out io.Writer, res *service.Result) error {
	payload := jsonResult{
		Symbol:    res.Symbol,
		Start:     res.Start.Format(bars.DateLayout),
		End:       res.End.Format(bars.DateLayout),
		Adjust:    res.Adjust,
		Sources:   res.Sources,
		FromCache: res.FromCache,
		Bars:      make([]jsonBar, 0, len(res.Table)),
	}
	for _, b := range res.Table {
		payload.Bars = append(payload.Bars, jsonBar{
			Date:   b.Date.Format(bars.DateLayout),
			Open:   decimal.NewFromFloat(b.Open).Round(4),
			High:   decimal.NewFromFloat(b.High).Round(4),
			Low:    decimal.NewFromFloat(b.Low).Round(4),
			Close:  decimal.NewFromFloat(b.Close).Round(4),
			Volume: b.Volume,
		})
	}
	if len(res.Log.Conflicts) > 0 || res.Log.FallbackUsed > 0 || len(res.Log.Qualities) > 0 {
		payload.Log = res.Log
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func writeTableText(out io.Writer, res *service.Result) error {
	if len(res.Table) == 0 {
		_, err := fmt.Fprintf(out, "no bars for %s between %s and %s\n",
			res.Symbol, res.Start.Format(bars.DateLayout), res.End.Format(bars.DateLayout))
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(writer, "Date\tOpen\tHigh\tLow\tClose\tVolume\t")
	for _, b := range res.Table {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t\n",
			b.Date.Format(bars.DateLayout),
			formatPrice(b.Open),
			formatPrice(b.High),
			formatPrice(b.Low),
			formatPrice(b.Close),
			b.Volume,
		)
	}
	return writer.Flush()
}

func writeMergeLog(out io.Writer, res *service.Result) error {
	log := res.Log
	fmt.Fprintf(out, "\nsources: %s  primary: %s  fallback rows: %d  unfilled: %d\n",
		strings.Join(res.Sources, ","), log.Primary, log.FallbackUsed, log.Unfilled)

	if len(log.Qualities) > 0 {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Source\tCoverage\tLag\tInvalid\tSpikes\tScore")
		for _, q := range log.Qualities {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\t%s\n",
				q.Source,
				decimal.NewFromFloat(q.Coverage).StringFixed(3),
				q.Lag,
				q.InvalidRows,
				q.Spikes,
				decimal.NewFromFloat(q.Score).StringFixed(3),
			)
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}

	if len(log.Conflicts) == 0 {
		return nil
	}
	fmt.Fprintf(out, "\nconflicts (max deviation %s%%):\n", service.MaxDeviationPct(log).StringFixed(3))
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tField\tPrimary\tAlternate\tDecision\tReason")
	for _, c := range log.Conflicts {
		fmt.Fprintf(writer, "%s\t%s\t%s=%s\t%s=%s\t%s\t%s\n",
			c.Date.Format(bars.DateLayout),
			c.Field,
			c.Primary, formatPrice(c.PrimaryValue),
			c.Alternate, formatPrice(c.AlternateValue),
			c.Decision,
			sanitizeInline(c.Reason),
		)
	}
	return writer.Flush()
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(4)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
