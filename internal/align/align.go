package align

import (
	"errors"
	"math"
	"time"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/calendar"
)

// Options control a single alignment.
type Options struct {
	Calendar *calendar.Calendar
	Start    time.Time
	End      time.Time
	Adjust   bars.Adjust
	// FillLeading back-fills sessions before the first available close instead of trimming them.
	FillLeading bool
}

// Align returns a calendar-complete table. Gap rows repeat the previous close with zero volume.
// The output carries adjusted prices and no factor column.
func Align(raw bars.Table, opts Options) (bars.Table, error) {
	if len(raw) == 0 {
		return nil, bars.ErrEmptySource
	}
	if opts.Calendar == nil {
		return nil, errors.New("align: calendar required")
	}

	sessions := opts.Calendar.Sessions(opts.Start, opts.End)
	if len(sessions) == 0 {
		return bars.Table{}, nil
	}

	slots := reindex(Daily(raw), sessions)
	out := fillGaps(slots, sessions, opts.FillLeading)
	if len(out) == 0 {
		return bars.Table{}, nil
	}

	adjust(out, opts.Adjust)

	for i := range out {
		if !out[i].Finite() {
			return bars.Table{}, nil
		}
		out[i].Factor = 0
	}
	out.Sort()
	return out, nil
}

// Daily collapses rows sharing a calendar date into one bar: first open, highest high,
// lowest low, last close, summed volume and last factor. Rows without a finite close are dropped.
func Daily(raw bars.Table) bars.Table {
	sorted := raw.Clone()
	sorted.Sort()

	out := make(bars.Table, 0, len(sorted))
	for _, b := range sorted {
		if math.IsNaN(b.Close) || math.IsInf(b.Close, 0) {
			continue
		}
		b.Date = calendar.Day(b.Date)
		n := len(out)
		if n == 0 || !out[n-1].Date.Equal(b.Date) {
			out = append(out, b)
			continue
		}
		agg := &out[n-1]
		agg.High = math.Max(agg.High, b.High)
		agg.Low = math.Min(agg.Low, b.Low)
		agg.Close = b.Close
		agg.Volume += b.Volume
		if b.Factor > 0 {
			agg.Factor = b.Factor
		}
	}
	return out
}

func reindex(daily bars.Table, sessions []time.Time) []*bars.Bar {
	byDate := make(map[time.Time]int, len(daily))
	for i, b := range daily {
		byDate[b.Date] = i
	}
	slots := make([]*bars.Bar, len(sessions))
	for i, s := range sessions {
		if j, ok := byDate[s]; ok {
			b := daily[j]
			slots[i] = &b
		}
	}
	return slots
}

func fillGaps(slots []*bars.Bar, sessions []time.Time, fillLeading bool) bars.Table {
	first := -1
	for i, s := range slots {
		if s != nil {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	out := make(bars.Table, 0, len(slots))
	if fillLeading {
		for i := 0; i < first; i++ {
			out = append(out, gapBar(sessions[i], slots[first].Close))
		}
	}

	prev := slots[first].Close
	for i := first; i < len(slots); i++ {
		if slots[i] == nil {
			out = append(out, gapBar(sessions[i], prev))
			continue
		}
		out = append(out, *slots[i])
		prev = slots[i].Close
	}
	return out
}

func gapBar(d time.Time, price float64) bars.Bar {
	return bars.Bar{Date: d, Open: price, High: price, Low: price, Close: price}
}

// adjust multiplies prices by factor(i)/anchor. The anchor is the last row for pre and
// the first row for post, both taken after leading trimming. Volume is never adjusted.
func adjust(t bars.Table, mode bars.Adjust) {
	if mode == bars.AdjustNone || !t.HasFactor() {
		return
	}

	factors := make([]float64, len(t))
	last := 0.0
	for i, b := range t {
		if b.Factor > 0 && !math.IsInf(b.Factor, 0) {
			last = b.Factor
		}
		factors[i] = last
	}
	for i := range factors {
		if factors[i] > 0 {
			for j := 0; j < i; j++ {
				factors[j] = factors[i]
			}
			break
		}
	}

	anchor := factors[len(factors)-1]
	if mode == bars.AdjustPost {
		anchor = factors[0]
	}

	for i := range t {
		m := factors[i] / anchor
		t[i].Open *= m
		t[i].High *= m
		t[i].Low *= m
		t[i].Close *= m
	}
}
