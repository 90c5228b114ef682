package bars

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnresolvableSymbol is returned when an identifier cannot be mapped to a venue.
	ErrUnresolvableSymbol = errors.New("unresolvable symbol")
	// ErrEmptySource marks a provider result with no usable rows.
	ErrEmptySource = errors.New("empty source")
	// ErrNetwork covers transport failures and upstream 5xx responses.
	ErrNetwork = errors.New("network error")
	// ErrRateLimited is returned when the upstream throttles the caller.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthentication is returned when credentials are missing or rejected.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAllSourcesFailed reports that neither the cache nor any provider produced data.
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// SymbolError describes a failed normalisation.
type SymbolError struct {
	Input  string
	Reason string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("symbol %q: %s", e.Input, e.Reason)
}

func (e *SymbolError) Unwrap() error { return ErrUnresolvableSymbol }

// SchemaError names the mandatory columns missing from a source table.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return "missing columns: " + strings.Join(e.Missing, ",")
}

// ProviderError wraps a failure of one upstream adapter.
type ProviderError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CacheError wraps a cache read or write failure.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
