package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ohlcv-merge/internal/bars"
)

// BarSource reads stored daily bars.
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) (bars.Table, error)
}

// OpenFunc dials a BarSource on first use.
type OpenFunc func(ctx context.Context) (BarSource, error)

// DatabaseOptions parameterise the database provider.
type DatabaseOptions struct {
	Name    string
	Timeout time.Duration
}

// Database serves bars from a relational store opened lazily.
type Database struct {
	opts      DatabaseOptions
	open      OpenFunc
	logger    zerolog.Logger
	source    BarSource
	sourceMux sync.Mutex
}

// NewDatabase builds a database provider.
func NewDatabase(opts DatabaseOptions, open OpenFunc, logger zerolog.Logger) *Database {
	return &Database{opts: opts, open: open, logger: logger.With().Str("component", "db_provider").Str("provider", opts.Name).Logger()}
}

func (d *Database) Name() string { return d.opts.Name }

// Fetch queries stored bars for req.
func (d *Database) Fetch(ctx context.Context, req Request) (bars.Table, error) {
	timeout := d.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	source, err := d.getSource(ctx)
	if err != nil {
		return nil, &bars.ProviderError{Provider: d.opts.Name, Err: err}
	}

	table, err := source.DailyBars(ctx, req.Symbol, req.Start, req.End)
	if err != nil {
		return nil, &bars.ProviderError{Provider: d.opts.Name, Err: err}
	}
	return checkTable(d.opts.Name, table)
}

// Ping checks the underlying store when it supports it.
func (d *Database) Ping(ctx context.Context) error {
	source, err := d.getSource(ctx)
	if err != nil {
		return err
	}
	if p, ok := source.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (d *Database) getSource(ctx context.Context) (BarSource, error) {
	d.sourceMux.Lock()
	defer d.sourceMux.Unlock()

	if d.source != nil {
		return d.source, nil
	}
	if d.open == nil {
		return nil, errors.New("database not configured")
	}

	source, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	d.source = source
	return source, nil
}

var _ Provider = (*Database)(nil)
var _ Pinger = (*Database)(nil)
