/*
rates.go - Exchange Rate Resolver abstraction

PURPOSE:
  The engine never invents exchange rates; it consumes an external resolver
  that answers "what was the ARS-per-USD rate on this date". This file
  defines that contract plus two decorators:

  - RetryingResolver: retries transient failures with backoff. A definitive
    ErrRateUnavailable is NOT retried; no quote is a fact, not a hiccup.
  - DefaultingResolver: substitutes a caller-supplied rate when no quote
    exists. This is an explicit, logged degradation and is never wired in
    by default.

SEE ALSO:
  - generator.go: The only engine consumer of rates
  - store/sqlite, store/postgres: Quote-table-backed implementations
*/
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESOLVER CONTRACT
// =============================================================================

// RateResolver answers dated ARS-per-USD lookups.
// Implementations return ErrRateUnavailable when no quote exists for the
// date; any other error is treated as transient.
type RateResolver interface {
	RateFor(ctx context.Context, date time.Time) (decimal.Decimal, error)
}

// RateStore is a resolver whose quotes can also be written. Both SQL stores
// implement it; the API's rate endpoints write through it.
type RateStore interface {
	RateResolver
	PutRate(ctx context.Context, date time.Time, arsPerUSD decimal.Decimal) error
}

// RateFunc adapts a function to the RateResolver interface.
type RateFunc func(ctx context.Context, date time.Time) (decimal.Decimal, error)

func (f RateFunc) RateFor(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	return f(ctx, date)
}

// =============================================================================
// RETRYING RESOLVER - Backoff on transient failures
// =============================================================================

// RetryingResolver retries transient resolver failures with linear backoff.
// ErrRateUnavailable passes through immediately.
type RetryingResolver struct {
	Resolver RateResolver
	Attempts int           // total attempts; 0 means 3
	Backoff  time.Duration // base delay between attempts; 0 means 100ms
}

func (r *RetryingResolver) RateFor(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		rate, err := r.Resolver.RateFor(ctx, date)
		if err == nil {
			return rate, nil
		}
		if errors.Is(err, ErrRateUnavailable) {
			return decimal.Zero, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(time.Duration(i+1) * backoff):
		}
	}
	return decimal.Zero, lastErr
}

// =============================================================================
// DEFAULTING RESOLVER - Explicit, logged degradation
// =============================================================================

// DefaultingResolver falls back to a fixed rate when the wrapped resolver
// has no quote. Every substitution is logged; silent substitution is not
// an option this engine offers.
type DefaultingResolver struct {
	Resolver RateResolver
	Default  decimal.Decimal
	Logger   *slog.Logger
}

func (d *DefaultingResolver) RateFor(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	rate, err := d.Resolver.RateFor(ctx, date)
	if err == nil {
		return rate, nil
	}
	if errors.Is(err, ErrRateUnavailable) && d.Default.IsPositive() {
		logger := d.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(ctx, "no quote for date, substituting default rate",
			"date", date.UTC().Format("2006-01-02"),
			"default_rate", d.Default.String())
		return d.Default, nil
	}
	return decimal.Zero, err
}
