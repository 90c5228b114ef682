package merge

import (
	"fmt"
	"math"
	"sort"
	"time"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/quality"
)

// Decision records how a conflicting day was resolved.
type Decision string

const (
	DecisionOverride    Decision = "override"
	DecisionKeepPrimary Decision = "keep_primary"
)

// Options tune primary selection and conflict handling.
type Options struct {
	// Priority is an optional explicit source order. Unknown names are ignored.
	Priority []string
	// ConflictTolerance is the relative close difference above which two sources conflict.
	ConflictTolerance float64
	// FreshnessTolerance is the accepted lag in sessions.
	FreshnessTolerance     int
	AllowOverrideOnInvalid bool
}

// DefaultOptions returns a 1% conflict tolerance, a freshness tolerance of 3 sessions
// and overrides enabled for invalid primary rows.
func DefaultOptions() Options {
	return Options{
		ConflictTolerance:      0.01,
		FreshnessTolerance:     3,
		AllowOverrideOnInvalid: true,
	}
}

// Conflict is one day where an alternate source disagrees with the merged close.
type Conflict struct {
	Date           time.Time `json:"date"`
	Field          string    `json:"field"`
	Primary        string    `json:"primary"`
	PrimaryValue   float64   `json:"primary_value"`
	Alternate      string    `json:"alternate"`
	AlternateValue float64   `json:"alternate_value"`
	Decision       Decision  `json:"decision"`
	Reason         string    `json:"reason"`
}

// Log is the audit trail of one merge.
type Log struct {
	Qualities    []quality.Record `json:"qualities"`
	Order        []string         `json:"order"`
	Primary      string           `json:"primary"`
	FallbackUsed int              `json:"fallback_used"`
	Conflicts    []Conflict       `json:"conflicts"`
	// Unfilled counts sessions no source covered; they are absent from the output.
	Unfilled int `json:"unfilled"`
}

// Merge selects a primary source, fills its gaps from the other sources in order and
// records close-price conflicts. Every table must already be aligned to sessions.
func Merge(sources map[string]bars.Table, sessions []time.Time, opts Options) (bars.Table, Log) {
	if len(sources) == 0 {
		return bars.Table{}, Log{}
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make(map[string][]*bars.Bar, len(names))
	records := make(map[string]quality.Record, len(names))
	for _, name := range names {
		rows[name] = quality.Reindex(sources[name], sessions)
		records[name] = quality.Score(name, rows[name], opts.FreshnessTolerance)
	}

	byScore := rankByScore(names, records)
	preferred := presentPriority(opts.Priority, sources)
	order := resolveOrder(preferred, byScore)
	primary := selectPrimary(preferred, order, byScore, records, opts.FreshnessTolerance)

	log := Log{Order: order, Primary: primary}
	for _, name := range order {
		log.Qualities = append(log.Qualities, records[name])
	}

	merged := make([]*bars.Bar, len(sessions))
	for i, row := range rows[primary] {
		if row != nil {
			cp := *row
			merged[i] = &cp
		}
	}

	for _, alt := range order {
		if alt == primary {
			continue
		}
		for i, a := range rows[alt] {
			if a == nil {
				continue
			}
			m := merged[i]
			if m == nil {
				cp := *a
				merged[i] = &cp
				log.FallbackUsed++
				continue
			}
			if a.Close <= 0 {
				continue
			}
			// A non-positive primary close always conflicts with a usable alternate.
			base := m.Close
			diff := math.Inf(1)
			if base > 0 {
				diff = math.Abs(a.Close-base) / base
				if diff <= opts.ConflictTolerance {
					continue
				}
			}

			invalid := !m.Valid()
			decision := DecisionKeepPrimary
			if opts.AllowOverrideOnInvalid && invalid && records[alt].Score > records[primary].Score {
				decision = DecisionOverride
			}
			log.Conflicts = append(log.Conflicts, Conflict{
				Date:           sessions[i],
				Field:          "close",
				Primary:        primary,
				PrimaryValue:   base,
				Alternate:      alt,
				AlternateValue: a.Close,
				Decision:       decision,
				Reason: fmt.Sprintf("diff %.4f > tol %.4f; primary_invalid=%t; score %s=%.2f %s=%.2f",
					diff, opts.ConflictTolerance, invalid, primary, records[primary].Score, alt, records[alt].Score),
			})
			if decision == DecisionOverride {
				cp := *a
				merged[i] = &cp
			}
		}
	}

	out := make(bars.Table, 0, len(merged))
	for _, row := range merged {
		if row == nil {
			log.Unfilled++
			continue
		}
		out = append(out, *row)
	}
	return out, log
}

func rankByScore(names []string, records map[string]quality.Record) []string {
	ranked := append([]string(nil), names...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := records[ranked[i]].Score, records[ranked[j]].Score
		if si != sj {
			return si > sj
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

func presentPriority(priority []string, sources map[string]bars.Table) []string {
	seen := make(map[string]bool, len(priority))
	out := make([]string, 0, len(priority))
	for _, name := range priority {
		if _, ok := sources[name]; !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func resolveOrder(preferred, byScore []string) []string {
	seen := make(map[string]bool, len(byScore))
	order := make([]string, 0, len(byScore))
	for _, name := range preferred {
		seen[name] = true
		order = append(order, name)
	}
	for _, name := range byScore {
		if !seen[name] {
			order = append(order, name)
		}
	}
	return order
}

func selectPrimary(preferred, order, byScore []string, records map[string]quality.Record, tol int) string {
	for _, name := range preferred {
		rec := records[name]
		if rec.Coverage > 0.5 && rec.Lag <= 2*tol {
			return name
		}
	}
	for _, name := range order {
		rec := records[name]
		if rec.Coverage >= 0.9 && rec.Lag <= tol {
			return name
		}
	}
	return byScore[0]
}
