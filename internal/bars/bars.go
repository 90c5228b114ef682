package bars

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DateLayout is the on-disk representation of a session date.
const DateLayout = "2006-01-02"

// Bar is one trading day's summary for an instrument.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	// Factor is the cumulative adjustment factor; zero means absent.
	Factor float64
}

// Valid reports whether the row has positive prices satisfying the OHLC invariant and a non-negative volume.
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	if b.High < b.Low {
		return false
	}
	return b.High >= math.Max(b.Open, b.Close) && b.Low <= math.Min(b.Open, b.Close)
}

// Finite reports whether every price field is a finite number.
func (b Bar) Finite() bool {
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Factor} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Table is an ordered sequence of bars for one instrument.
type Table []Bar

// Sort orders the table ascending by date.
func (t Table) Sort() {
	sort.SliceStable(t, func(i, j int) bool { return t[i].Date.Before(t[j].Date) })
}

// Validate checks the table is strictly ascending by date.
func (t Table) Validate() error {
	for i := 1; i < len(t); i++ {
		if !t[i-1].Date.Before(t[i].Date) {
			return fmt.Errorf("bars out of order or duplicated at %s", t[i].Date.Format(DateLayout))
		}
	}
	return nil
}

// ValidateRaw checks provider output: dated rows in non-decreasing order. Several rows may share a
// date, e.g. intraday bars truncated to their session day; alignment collapses them.
func (t Table) ValidateRaw() error {
	for i, b := range t {
		if b.Date.IsZero() {
			return fmt.Errorf("row %d has no date", i)
		}
		if i > 0 && b.Date.Before(t[i-1].Date) {
			return fmt.Errorf("bars out of order at %s", b.Date.Format(DateLayout))
		}
	}
	return nil
}

// Clone returns an independent copy of the table.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	copy(out, t)
	return out
}

// Slice returns the rows whose date falls within [start, end]. Zero bounds are open.
func (t Table) Slice(start, end time.Time) Table {
	out := make(Table, 0, len(t))
	for _, b := range t {
		if !start.IsZero() && b.Date.Before(start) {
			continue
		}
		if !end.IsZero() && b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// HasFactor reports whether any row carries a positive adjustment factor.
func (t Table) HasFactor() bool {
	for _, b := range t {
		if b.Factor > 0 {
			return true
		}
	}
	return false
}

// First and Last return the boundary dates, or zero times for an empty table.
func (t Table) First() time.Time {
	if len(t) == 0 {
		return time.Time{}
	}
	return t[0].Date
}

func (t Table) Last() time.Time {
	if len(t) == 0 {
		return time.Time{}
	}
	return t[len(t)-1].Date
}

// Adjust selects the price adjustment mode.
type Adjust string

const (
	AdjustPre  Adjust = "pre"
	AdjustPost Adjust = "post"
	AdjustNone Adjust = "none"
)

// ParseAdjust maps user input to an adjustment mode. Empty input means pre.
func ParseAdjust(v string) (Adjust, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "pre", "qfq":
		return AdjustPre, nil
	case "post", "hfq":
		return AdjustPost, nil
	case "none", "raw":
		return AdjustNone, nil
	default:
		return "", fmt.Errorf("unknown adjust mode %q", v)
	}
}
