package bars

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Columns is the canonical column order used by the cache and the interchange export.
var Columns = []string{"date", "open", "high", "low", "close", "volume"}

var columnAliases = map[string]string{
	"date":       "date",
	"trade_date": "date",
	"datetime":   "date",
	"time":       "date",
	"t":          "date",
	"open":       "open",
	"o":          "open",
	"high":       "high",
	"h":          "high",
	"low":        "low",
	"l":          "low",
	"close":      "close",
	"c":          "close",
	"volume":     "volume",
	"vol":        "volume",
	"v":          "volume",
	"factor":     "factor",
	"adj_factor": "factor",
}

var dateLayouts = []string{DateLayout, "20060102", "2006/01/02", time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"}

// FromRecords decodes column-oriented text records into a sorted table.
// Rows without a close are skipped; missing open/high/low fall back to the close.
func FromRecords(header []string, rows [][]string) (Table, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		canonical, ok := columnAliases[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		if _, seen := pos[canonical]; !seen {
			pos[canonical] = i
		}
	}

	var missing []string
	for _, col := range Columns {
		if _, ok := pos[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}

	cell := func(row []string, col string) string {
		i, ok := pos[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	table := make(Table, 0, len(rows))
	for n, row := range rows {
		date, err := ParseDate(cell(row, "date"))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n+1, err)
		}

		closeVal, ok, err := parseNumber(cell(row, "close"))
		if err != nil {
			return nil, fmt.Errorf("row %d close: %w", n+1, err)
		}
		if !ok {
			continue
		}

		bar := Bar{Date: date, Close: closeVal}
		for _, f := range []struct {
			col string
			dst *float64
		}{
			{"open", &bar.Open},
			{"high", &bar.High},
			{"low", &bar.Low},
			{"factor", &bar.Factor},
		} {
			v, ok, err := parseNumber(cell(row, f.col))
			if err != nil {
				return nil, fmt.Errorf("row %d %s: %w", n+1, f.col, err)
			}
			if ok {
				*f.dst = v
			} else if f.col != "factor" {
				*f.dst = closeVal
			}
		}

		vol, ok, err := parseNumber(cell(row, "volume"))
		if err != nil {
			return nil, fmt.Errorf("row %d volume: %w", n+1, err)
		}
		if ok {
			bar.Volume = int64(math.Round(vol))
		}

		table = append(table, bar)
	}

	table.Sort()
	return table, nil
}

// Records renders the table using the canonical columns. Floats keep their shortest exact form.
func (t Table) Records() [][]string {
	out := make([][]string, 0, len(t))
	for _, b := range t {
		out = append(out, []string{
			b.Date.Format(DateLayout),
			strconv.FormatFloat(b.Open, 'g', -1, 64),
			strconv.FormatFloat(b.High, 'g', -1, 64),
			strconv.FormatFloat(b.Low, 'g', -1, 64),
			strconv.FormatFloat(b.Close, 'g', -1, 64),
			strconv.FormatInt(b.Volume, 10),
		})
	}
	return out
}

// ParseDate accepts the date spellings seen across providers and returns a UTC-midnight date.
func ParseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}

func parseNumber(v string) (float64, bool, error) {
	switch strings.ToLower(v) {
	case "", "nan", "null", "none":
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}
