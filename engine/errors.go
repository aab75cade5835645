/*
errors.go - Centralized error types for the obligation engine

PURPOSE:
  All error types in one place. Callers match with errors.Is / errors.As;
  structured errors carry the obligation id, period, and reason needed to
  retry or fix manually.

ERROR CATEGORIES:
  1. Validation errors - Obligation rejected at creation, nothing persisted
  2. Generation errors - Per-period rate misses (skip-and-report, not fatal)
  3. Drift errors      - Inference ambiguous; flagged, never guessed
  4. Store errors      - Idempotency conflicts, missing rows, failed cascades

SEE ALSO:
  - generator.go: RateUnavailableError, ErrInstanceExists handling
  - reconcile.go: DriftUnresolvedError
  - lifecycle.go: ValidationError, CascadeError
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBothAmountsZero is returned when an obligation has no positive
	// amount on either side; there is no base currency to work from.
	ErrBothAmountsZero = errors.New("both currency amounts are zero")

	// ErrDriftedObligation is returned when both currency amounts are
	// positive: the currency-base exclusivity invariant is violated and
	// generation cannot be trusted until the obligation is repaired.
	ErrDriftedObligation = errors.New("obligation amounts violate currency-base exclusivity")

	// ErrRateUnavailable is returned when no exchange-rate quote exists for
	// a date. The generator degrades to skipping that single period.
	ErrRateUnavailable = errors.New("exchange rate unavailable")

	// ErrDriftUnresolved is returned when base-currency inference is
	// ambiguous. The obligation is left untouched; never guessed.
	ErrDriftUnresolved = errors.New("base currency inference unresolved")

	// ErrInstanceExists is returned by stores when an instance for the
	// (obligation, period) idempotency key already exists. Callers treat
	// it as success: the work is already done.
	ErrInstanceExists = errors.New("instance already exists for period")

	// ErrObligationNotFound is returned when a referenced obligation
	// doesn't exist.
	ErrObligationNotFound = errors.New("obligation not found")

	// ErrInstanceNotFound is returned when a referenced instance
	// doesn't exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrCascadeFailed is returned when a cascading delete could not be
	// committed; the prior state is left intact.
	ErrCascadeFailed = errors.New("cascade delete failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports an obligation rejected at creation.
type ValidationError struct {
	ObligationID ObligationID // empty when rejection precedes id assignment
	Reason       string
	Err          error
}

func (e *ValidationError) Error() string {
	if e.ObligationID != "" {
		return fmt.Sprintf("invalid obligation %s: %s", e.ObligationID, e.Reason)
	}
	return fmt.Sprintf("invalid obligation: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RateUnavailableError reports a single period skipped during generation.
type RateUnavailableError struct {
	ObligationID ObligationID
	Period       Period
	Date         string // YYYY-MM-DD the lookup was attempted for
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("no rate for %s (obligation %s, period %s)",
		e.Date, e.ObligationID, e.Period)
}

func (e *RateUnavailableError) Unwrap() error { return ErrRateUnavailable }

// DriftUnresolvedError reports an obligation whose base currency could not
// be inferred. It is flagged for manual review, not auto-corrected.
type DriftUnresolvedError struct {
	ObligationID ObligationID
	Reason       string
}

func (e *DriftUnresolvedError) Error() string {
	return fmt.Sprintf("drift unresolved for obligation %s: %s", e.ObligationID, e.Reason)
}

func (e *DriftUnresolvedError) Unwrap() error { return ErrDriftUnresolved }

// CascadeError reports a failed cascading delete. The transaction was
// rolled back; no partial state was left behind.
type CascadeError struct {
	ObligationID ObligationID
	Err          error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("cascade delete of obligation %s: %v", e.ObligationID, e.Err)
}

func (e *CascadeError) Unwrap() error { return ErrCascadeFailed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid input rather
// than an infrastructure failure.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrBothAmountsZero) ||
		errors.Is(err, ErrDriftedObligation) ||
		errors.Is(err, ErrDriftUnresolved)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, ErrInstanceNotFound)
}

// IsRecoverable returns true if the error degrades a single unit of work
// (one period, one idempotency conflict) rather than failing the run.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRateUnavailable) ||
		errors.Is(err, ErrInstanceExists)
}
