package fetcher

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"ohlcv-merge/internal/bars"
)

// StubOptions configure the deterministic offline provider.
type StubOptions struct {
	Name string
	Seed int64
	// Bias shifts every price by a constant ratio, e.g. 0.001 for a source that quotes 0.1% high.
	Bias float64
}

// Stub generates a seeded random walk per symbol over weekdays. Identical requests
// always produce identical tables.
type Stub struct {
	opts StubOptions
}

// NewStub constructs a stub provider.
func NewStub(opts StubOptions) *Stub {
	return &Stub{opts: opts}
}

func (s *Stub) Name() string { return s.opts.Name }

// Fetch returns synthetic bars for req.
func (s *Stub) Fetch(ctx context.Context, req Request) (bars.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, &bars.ProviderError{Provider: s.opts.Name, Err: err}
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Symbol))
	rng := rand.New(rand.NewSource(int64(h.Sum64()) ^ s.opts.Seed))

	price := 10 + rng.Float64()*90
	factor := 1.0
	scale := 1 + s.opts.Bias

	var table bars.Table
	start := time.Date(req.Start.Year(), req.Start.Month(), req.Start.Day(), 0, 0, 0, 0, time.UTC)
	for d := start; !d.After(req.End); d = d.AddDate(0, 0, 1) {
		step := rng.NormFloat64() * 0.015
		wick := math.Abs(rng.NormFloat64()) * 0.01
		vol := 1e5 + rng.Float64()*9e5
		if rng.Intn(250) == 0 {
			factor *= 1.05
		}
		open := price
		price = math.Max(0.01, price*(1+step))

		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		hi := math.Max(open, price) * (1 + wick)
		lo := math.Min(open, price) * (1 - wick)
		table = append(table, bars.Bar{
			Date:   d,
			Open:   round4(open * scale),
			High:   round4(hi * scale),
			Low:    round4(lo * scale),
			Close:  round4(price * scale),
			Volume: int64(vol),
			Factor: factor,
		})
	}
	return checkTable(s.opts.Name, table)
}

// Ping always succeeds.
func (s *Stub) Ping(context.Context) error { return nil }

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

var _ Provider = (*Stub)(nil)
var _ Pinger = (*Stub)(nil)
