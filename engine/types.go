/*
Package engine implements the recurring-obligation engine.

PURPOSE:
  This package contains the domain model and algorithms for recurring
  financial obligations: representing an obligation whose amount is quoted
  in exactly one of two currencies, expanding it into dated transaction
  instances over billing periods, detecting and repairing currency drift,
  and terminating an obligation without disturbing history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Obligation: A recurring commitment ($80/month hosting, yearly domain fee)
  - Instance: One dated materialization of an Obligation for a billing period
  - Currency: ARS (local) or USD (reference); exactly one side is the base
  - Typed IDs: ObligationID, InstanceID, UserID

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal everywhere money or rates appear
  2. One base currency: Exactly one of AmountUSD/AmountARS is positive on a
     well-formed Obligation; the other side is always derived per period
  3. Explicit ownership: Every operation takes the owning obligation/user as
     a parameter; no ambient "current user" state
  4. History is immutable: A generated Instance keeps its own date, period,
     and rate; only its derived amount may be rewritten, and only by repair

SEE ALSO:
  - period.go: Billing-period arithmetic
  - generator.go: Instance expansion
  - reconcile.go: Drift detection and repair
  - lifecycle.go: Create / terminate / delete
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ObligationID string
type InstanceID string
type UserID string

// =============================================================================
// ENUMS
// =============================================================================

// Kind classifies an obligation as money in or money out.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

func (k Kind) Valid() bool { return k == KindIncome || k == KindExpense }

// Frequency is the billing cadence of an obligation.
type Frequency string

const (
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

func (f Frequency) Valid() bool { return f == FrequencyMonthly || f == FrequencyYearly }

// Currency identifies which side of the two-amount pair is meant.
// The engine deals in exactly two: the local currency (ARS) and the
// reference currency (USD). Rates are always quoted as ARS per USD.
type Currency string

const (
	CurrencyARS Currency = "ARS"
	CurrencyUSD Currency = "USD"
)

// =============================================================================
// OBLIGATION - A recurring financial commitment
// =============================================================================

// Obligation is a recurring financial commitment with a fixed cadence.
//
// INVARIANT (currency-base exclusivity): exactly one of AmountUSD/AmountARS
// is strictly positive on a well-formed Obligation. That side is the base
// currency; the other side is derived at generation time from the period's
// resolved exchange rate. An Obligation with both sides positive is in a
// drift state and must be repaired before generation is trusted.
type Obligation struct {
	ID          ObligationID
	UserID      UserID
	Description string
	Kind        Kind
	Frequency   Frequency

	// AmountUSD is the reference-currency amount, AmountARS the local one.
	// See the exclusivity invariant above.
	AmountUSD decimal.Decimal
	AmountARS decimal.Decimal

	// AnchorRate is the ARS-per-USD rate recorded when the obligation was
	// created. Informational: period conversion never uses it, but drift
	// inference does (see reconcile.go).
	AnchorRate decimal.Decimal

	// References owned by external collaborators. The engine never resolves
	// them beyond requiring a non-empty category at creation.
	CategoryID     string
	CounterpartyID string

	// StartDate is the first billing date, normalized to the first calendar
	// day of its month (UTC) by the lifecycle controller.
	StartDate time.Time

	// EndBoundary, when set, is the last period for which instances are
	// generated. Termination is forward-only: instances at or before the
	// boundary are never touched.
	EndBoundary *Period

	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BaseCurrency returns which side is authoritative.
// Returns ErrBothAmountsZero or ErrDriftedObligation when the exclusivity
// invariant does not hold.
func (o Obligation) BaseCurrency() (Currency, error) {
	usd := o.AmountUSD.IsPositive()
	ars := o.AmountARS.IsPositive()
	switch {
	case usd && ars:
		return "", ErrDriftedObligation
	case usd:
		return CurrencyUSD, nil
	case ars:
		return CurrencyARS, nil
	default:
		return "", ErrBothAmountsZero
	}
}

// BaseAmount returns the authoritative amount alongside its currency.
func (o Obligation) BaseAmount() (Currency, decimal.Decimal, error) {
	base, err := o.BaseCurrency()
	if err != nil {
		return "", decimal.Zero, err
	}
	if base == CurrencyUSD {
		return base, o.AmountUSD, nil
	}
	return base, o.AmountARS, nil
}

// Drifted reports whether both amounts are positive (invariant violated).
func (o Obligation) Drifted() bool {
	return o.AmountUSD.IsPositive() && o.AmountARS.IsPositive()
}

// Ended reports whether the given period falls past the end boundary.
func (o Obligation) Ended(p Period) bool {
	return o.EndBoundary != nil && p.After(*o.EndBoundary)
}

// =============================================================================
// INSTANCE - One dated materialization of an Obligation
// =============================================================================

// Instance is a concrete transaction row for one billing period.
//
// The (ObligationID, Period) pair is the idempotency key: at most one
// instance exists per obligation per period. Instances with an empty
// ObligationID are one-off entries outside this engine's remit.
type Instance struct {
	ID           InstanceID
	ObligationID ObligationID
	UserID       UserID
	Description  string
	Kind         Kind

	Period Period
	// Date is the first day of Period's month, except for an obligation
	// whose stored StartDate falls mid-month: its first instance keeps
	// that exact date.
	Date time.Time

	// Per-period snapshot. RateUsed is the ARS-per-USD rate resolved for
	// Date; one amount equals the obligation's base amount and the other
	// is derived from it via RateUsed.
	AmountUSD decimal.Decimal
	AmountARS decimal.Decimal
	RateUsed  decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// AMOUNT DERIVATION
// =============================================================================

// derivedScale is the scale the derived side is rounded to. Both currencies
// are stored with cent precision.
const derivedScale = 2

// DeriveAmounts computes the (ARS, USD) pair for a base amount at a given
// ARS-per-USD rate. The base side passes through untouched; the other side
// is derived and rounded to cent precision.
func DeriveAmounts(base Currency, amount, rate decimal.Decimal) (ars, usd decimal.Decimal) {
	if base == CurrencyUSD {
		return amount.Mul(rate).Round(derivedScale), amount
	}
	return amount, amount.Div(rate).Round(derivedScale)
}
