package quality

import (
	"math"
	"time"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/calendar"
)

// SpikeThreshold is the absolute day-over-day close change counted as a spike.
const SpikeThreshold = 0.20

// Record summarises one source for one merge.
type Record struct {
	Source      string  `json:"source"`
	Coverage    float64 `json:"coverage"`
	Lag         int     `json:"lag"`
	InvalidRows int     `json:"invalid_rows"`
	Spikes      int     `json:"spikes"`
	Score       float64 `json:"score"`
}

// Reindex places table rows onto the session positions; nil marks a missing session.
func Reindex(t bars.Table, sessions []time.Time) []*bars.Bar {
	pos := make(map[time.Time]int, len(sessions))
	for i, s := range sessions {
		pos[calendar.Day(s)] = i
	}
	rows := make([]*bars.Bar, len(sessions))
	for _, b := range t {
		if math.IsNaN(b.Close) {
			continue
		}
		if i, ok := pos[calendar.Day(b.Date)]; ok {
			row := b
			rows[i] = &row
		}
	}
	return rows
}

// Score computes the quality record. Lag is measured in session positions; a source with no
// data at all lags by freshnessTolerance+1.
func Score(source string, rows []*bars.Bar, freshnessTolerance int) Record {
	rec := Record{Source: source, Lag: freshnessTolerance + 1}

	present := 0
	lastIdx := -1
	prevClose := 0.0
	havePrev := false
	for i, row := range rows {
		if row == nil {
			continue
		}
		present++
		lastIdx = i
		if !row.Valid() {
			rec.InvalidRows++
		}
		if havePrev && prevClose != 0 && math.Abs(row.Close/prevClose-1) > SpikeThreshold {
			rec.Spikes++
		}
		prevClose = row.Close
		havePrev = true
	}

	if len(rows) > 0 {
		rec.Coverage = round(float64(present)/float64(len(rows)), 4)
	}
	if lastIdx >= 0 {
		rec.Lag = len(rows) - 1 - lastIdx
	}

	rec.Score = round(100-10*float64(rec.Lag)+20*rec.Coverage-5*float64(rec.InvalidRows)-2*float64(rec.Spikes), 2)
	return rec
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
