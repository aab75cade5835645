/*
reconcile.go - Drift Reconciler

PURPOSE:
  Repairs obligations whose two currency amounts were stored inconsistently
  (both positive) and rewrites instances whose derived amounts disagree
  with their own recorded rate. The heuristic guessing that used to live in
  throwaway repair scripts is consolidated here as a named, testable
  inference procedure with an explicit "unresolved" outcome.

BASE-CURRENCY INFERENCE (in order):
  a. Exactly one amount positive: that side is the base; nothing to infer.
  b. Anchor-rate match: if amountUSD x anchorRate is within 1% of the
     stored ARS amount, USD is the base.
  c. Round-number tiebreaker: an integer USD amount divisible by 5, or an
     integer ARS amount divisible by 1000, marks that side as a quoted fee.
     Applies only when exactly one side qualifies.
  If (b) and (c) both fire and disagree, the obligation is UNRESOLVED: the
  heuristic is empirical and is never trusted over the anchor-rate match.
  Unresolved obligations are left untouched and flagged for manual review.

INSTANCE REPAIR:
  The derived side is recomputed from the inferred base amount and each
  instance's OWN RateUsed. History stays tied to the rate actually in
  effect for its period; the reconciler never re-resolves rates and never
  touches period, date, or RateUsed. Writes happen only when the stored
  value is off by more than a cent-level tolerance.

SEE ALSO:
  - generator.go: Refuses drifted obligations until this runs
*/
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// driftTolerance is the repair write threshold: stored amounts within a
// cent of the recomputed value are left alone to avoid no-op writes.
var driftTolerance = decimal.NewFromFloat(0.01)

// anchorMatchTolerance is the relative error under which the stored ARS
// amount is considered consistent with amountUSD x anchorRate.
var anchorMatchTolerance = decimal.NewFromFloat(0.01)

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Store  Store
	Locks  *KeyedLocks
	Logger *slog.Logger

	Now func() time.Time
}

func NewReconciler(store Store, locks *KeyedLocks, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Store: store, Locks: locks, Logger: logger}
}

// RepairReport describes one reconcile run.
type RepairReport struct {
	ObligationID        ObligationID
	BaseCurrency        Currency
	ObligationRewritten bool
	InstancesChecked    int
	InstancesRepaired   int
	// InstancesSkipped counts rows that could not be recomputed (no
	// recorded rate). They are left as-is.
	InstancesSkipped int
}

// =============================================================================
// RECONCILE
// =============================================================================

// Reconcile restores the currency-base invariant on the obligation and
// repairs its instances. A consistent obligation with consistent instances
// is a no-op. Returns DriftUnresolvedError when inference is ambiguous;
// nothing is changed in that case.
func (r *Reconciler) Reconcile(ctx context.Context, id ObligationID) (RepairReport, error) {
	report := RepairReport{ObligationID: id}

	if r.Locks != nil {
		defer r.Locks.Lock(id)()
	}

	o, err := r.Store.Obligation(ctx, id)
	if err != nil {
		return report, err
	}

	base, err := InferBase(o)
	if err != nil {
		return report, err
	}
	report.BaseCurrency = base

	// Restore exclusivity: zero the non-base side if it is set.
	rewritten := false
	if base == CurrencyUSD && !o.AmountARS.IsZero() {
		o.AmountARS = decimal.Zero
		rewritten = true
	}
	if base == CurrencyARS && !o.AmountUSD.IsZero() {
		o.AmountUSD = decimal.Zero
		rewritten = true
	}
	if rewritten {
		o.UpdatedAt = r.now()
		if err := r.Store.UpdateObligation(ctx, o); err != nil {
			return report, fmt.Errorf("rewrite obligation %s: %w", o.ID, err)
		}
		report.ObligationRewritten = true
		r.Logger.InfoContext(ctx, "obligation base restored",
			"obligation_id", string(o.ID),
			"base_currency", string(base))
	}

	// Repair instances against their own recorded rates.
	_, baseAmount, err := o.BaseAmount()
	if err != nil {
		return report, err
	}

	instances, err := r.Store.InstancesByObligation(ctx, o.ID)
	if err != nil {
		return report, fmt.Errorf("load instances for %s: %w", o.ID, err)
	}

	for _, in := range instances {
		report.InstancesChecked++

		if !in.RateUsed.IsPositive() {
			report.InstancesSkipped++
			r.Logger.WarnContext(ctx, "instance has no usable rate, leaving as-is",
				"instance_id", string(in.ID),
				"period", in.Period.String())
			continue
		}

		wantARS, wantUSD := DeriveAmounts(base, baseAmount, in.RateUsed)
		if withinTolerance(in.AmountARS, wantARS) && withinTolerance(in.AmountUSD, wantUSD) {
			continue
		}

		if err := r.Store.UpdateInstanceAmounts(ctx, in.ID, wantARS, wantUSD); err != nil {
			return report, fmt.Errorf("repair instance %s: %w", in.ID, err)
		}
		report.InstancesRepaired++
	}

	r.Logger.InfoContext(ctx, "reconcile run complete",
		"obligation_id", string(o.ID),
		"rewritten", report.ObligationRewritten,
		"checked", report.InstancesChecked,
		"repaired", report.InstancesRepaired)

	return report, nil
}

func withinTolerance(got, want decimal.Decimal) bool {
	return got.Sub(want).Abs().LessThanOrEqual(driftTolerance)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// =============================================================================
// BASE-CURRENCY INFERENCE
// =============================================================================

// InferBase determines which currency is authoritative for the obligation.
// Pure function; see the file header for the decision procedure.
func InferBase(o Obligation) (Currency, error) {
	usdPositive := o.AmountUSD.IsPositive()
	arsPositive := o.AmountARS.IsPositive()

	switch {
	case !usdPositive && !arsPositive:
		return "", &ValidationError{
			ObligationID: o.ID,
			Reason:       "both currency amounts are zero",
			Err:          ErrBothAmountsZero,
		}
	case usdPositive != arsPositive:
		// Trivially non-drifted: the positive side is the base.
		if usdPositive {
			return CurrencyUSD, nil
		}
		return CurrencyARS, nil
	}

	// Both positive: drift. Try the anchor-rate consistency test first.
	anchorPick, anchorOK := anchorRateMatch(o)
	heuristicPick, heuristicOK := roundNumberPick(o)

	switch {
	case anchorOK && heuristicOK && anchorPick != heuristicPick:
		// The round-number heuristic occasionally misfires on unusual
		// amounts. Disagreement with the anchor match is not a tie to
		// break; it is a reason to stop.
		return "", &DriftUnresolvedError{
			ObligationID: o.ID,
			Reason: fmt.Sprintf("anchor-rate match picks %s but round-number heuristic picks %s",
				anchorPick, heuristicPick),
		}
	case anchorOK:
		return anchorPick, nil
	case heuristicOK:
		return heuristicPick, nil
	}

	return "", &DriftUnresolvedError{
		ObligationID: o.ID,
		Reason:       "amounts match neither the anchor rate nor a round-number pattern",
	}
}

// anchorRateMatch tests whether the stored ARS amount is what the USD
// amount would convert to at the obligation's anchor rate. A match (within
// 1% relative error) means the USD side was quoted and the ARS side was a
// stale conversion.
func anchorRateMatch(o Obligation) (Currency, bool) {
	if !o.AnchorRate.IsPositive() || !o.AmountARS.IsPositive() {
		return "", false
	}
	implied := o.AmountUSD.Mul(o.AnchorRate)
	relErr := implied.Sub(o.AmountARS).Abs().Div(o.AmountARS)
	if relErr.LessThan(anchorMatchTolerance) {
		return CurrencyUSD, true
	}
	return "", false
}

// roundNumberPick applies the round-number heuristics: quoted USD fees tend
// to be integers divisible by 5; quoted ARS fees tend to be integers
// divisible by 1000. Only an unambiguous pick (exactly one side qualifies)
// counts.
func roundNumberPick(o Obligation) (Currency, bool) {
	usdRound := isRound(o.AmountUSD, 5)
	arsRound := isRound(o.AmountARS, 1000)
	if usdRound == arsRound {
		return "", false
	}
	if usdRound {
		return CurrencyUSD, true
	}
	return CurrencyARS, true
}

func isRound(amount decimal.Decimal, divisor int64) bool {
	if !amount.IsPositive() || !amount.IsInteger() {
		return false
	}
	return amount.Mod(decimal.NewFromInt(divisor)).IsZero()
}
