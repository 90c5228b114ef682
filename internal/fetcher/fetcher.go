package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ohlcv-merge/internal/bars"
)

// Request asks a provider for daily bars of one canonical symbol.
type Request struct {
	Symbol string
	Start  time.Time
	End    time.Time
	Freq   string
	Adjust bars.Adjust
}

// Provider retrieves raw bar tables from one upstream source. Implementations return a typed
// error instead of a malformed table.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, req Request) (bars.Table, error)
}

// Pinger is implemented by providers with a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Wrapper is implemented by decorators so callers can reach the base provider.
type Wrapper interface {
	Unwrap() Provider
}

// ErrPingUnsupported is returned by Ping for providers without a liveness check.
var ErrPingUnsupported = errors.New("ping not supported")

// Ping runs the liveness check of p or of the provider it decorates.
func Ping(ctx context.Context, p Provider) error {
	for p != nil {
		if pinger, ok := p.(Pinger); ok {
			return pinger.Ping(ctx)
		}
		w, ok := p.(Wrapper)
		if !ok {
			break
		}
		p = w.Unwrap()
	}
	return ErrPingUnsupported
}

// checkTable validates provider output before it leaves the adapter.
func checkTable(name string, t bars.Table) (bars.Table, error) {
	if len(t) == 0 {
		return nil, &bars.ProviderError{Provider: name, Err: bars.ErrEmptySource}
	}
	t.Sort()
	if err := t.ValidateRaw(); err != nil {
		return nil, &bars.ProviderError{Provider: name, Err: fmt.Errorf("malformed table: %w", err)}
	}
	return t, nil
}
