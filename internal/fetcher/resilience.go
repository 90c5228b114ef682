package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"ohlcv-merge/internal/bars"
)

// RateLimited spaces calls to the wrapped provider with a token bucket.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps next with a limiter. A non-positive rate disables limiting.
func WithRateLimit(next Provider, perSecond float64, burst int) Provider {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Name() string      { return r.next.Name() }
func (r *RateLimited) Unwrap() Provider { return r.next }

func (r *RateLimited) Fetch(ctx context.Context, req Request) (bars.Table, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &bars.ProviderError{Provider: r.Name(), Err: fmt.Errorf("%w: %v", bars.ErrRateLimited, err)}
	}
	return r.next.Fetch(ctx, req)
}

// RetryOptions bound the retry loop.
type RetryOptions struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Retrying re-issues network and rate-limit failures with exponential backoff and jitter.
type Retrying struct {
	next   Provider
	opts   RetryOptions
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps next with a retry loop. Attempts <= 1 disables retrying.
func WithRetry(next Provider, opts RetryOptions, logger zerolog.Logger) Provider {
	if opts.Attempts <= 1 {
		return next
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Retrying{
		next:   next,
		opts:   opts,
		logger: logger.With().Str("component", "retry").Str("provider", next.Name()).Logger(),
		sleep:  sleepContext,
	}
}

func (r *Retrying) Name() string      { return r.next.Name() }
func (r *Retrying) Unwrap() Provider { return r.next }

func (r *Retrying) Fetch(ctx context.Context, req Request) (bars.Table, error) {
	for attempt := 1; ; attempt++ {
		table, err := r.next.Fetch(ctx, req)
		if err == nil || !bars.Retryable(err) || attempt >= r.opts.Attempts {
			return table, err
		}

		wait := r.backoff(attempt)
		var pe *bars.ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > wait {
			wait = pe.RetryAfter
		}
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("symbol", req.Symbol).Msg("retrying fetch")

		if err := r.sleep(ctx, wait); err != nil {
			return nil, &bars.ProviderError{Provider: r.Name(), Err: err}
		}
	}
}

func (r *Retrying) backoff(attempt int) time.Duration {
	d := r.opts.Backoff << (attempt - 1)
	if d <= 0 || d > r.opts.MaxBackoff {
		d = r.opts.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BreakerOptions configure the circuit breaker.
type BreakerOptions struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration
}

// Breaker stops calling a provider that keeps failing.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next with a circuit breaker. Zero failures disables it.
func WithBreaker(next Provider, opts BreakerOptions, logger zerolog.Logger) Provider {
	if opts.Failures == 0 {
		return next
	}
	log := logger.With().Str("component", "breaker").Str("provider", next.Name()).Logger()

	settings := gobreaker.Settings{
		Name:    next.Name(),
		Timeout: opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, bars.ErrEmptySource)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state changed")
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Name() string      { return b.next.Name() }
func (b *Breaker) Unwrap() Provider { return b.next }

func (b *Breaker) Fetch(ctx context.Context, req Request) (bars.Table, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &bars.ProviderError{Provider: b.Name(), Err: fmt.Errorf("%w: %v", bars.ErrNetwork, err)}
	}
	if err != nil {
		return nil, err
	}
	return res.(bars.Table), nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

var (
	_ Provider = (*RateLimited)(nil)
	_ Provider = (*Retrying)(nil)
	_ Provider = (*Breaker)(nil)
)
