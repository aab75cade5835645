/*
generator.go - Instance Generator

PURPOSE:
  Expands an obligation across the period calendar into dated transaction
  instances. This is the consolidation of the dozen one-off generation
  scripts the engine replaces: one entry point, one idempotency discipline.

IDEMPOTENCY:
  Each due period is looked up via the (obligation, period) key before
  insert - a check-then-act, never a blind insert. If a concurrent writer
  won the race anyway, the store's unique index reports ErrInstanceExists
  and the generator counts the period as already done. Calling Generate N
  times yields the same instance set as calling it once.

FAILURE POLICY:
  A missing exchange rate skips that single period and records it in the
  run report; already-generated periods are kept and the run continues.
  A drifted obligation (both amounts positive) refuses generation outright:
  derived amounts computed from an untrusted base would poison history.

SEE ALSO:
  - period.go: PeriodsDue, InstanceDate
  - rates.go: Rate resolution and retry
  - reconcile.go: Repairs the drift that blocks generation
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// GENERATOR
// =============================================================================

type Generator struct {
	Store  Store
	Rates  RateResolver
	Locks  *KeyedLocks
	Logger *slog.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewGenerator(store Store, rates RateResolver, locks *KeyedLocks, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{Store: store, Rates: rates, Locks: locks, Logger: logger}
}

// GenerationReport describes one generation run.
type GenerationReport struct {
	ObligationID ObligationID
	Created      []Instance
	Skipped      []SkippedPeriod
	// AlreadyPresent counts periods that needed no work (previous run or
	// concurrent writer).
	AlreadyPresent int
}

// SkippedPeriod records a period the run could not materialize.
type SkippedPeriod struct {
	Period Period
	Reason string
}

// =============================================================================
// GENERATE
// =============================================================================

// Generate materializes every due, missing instance for the obligation up
// to upTo. It does not mutate the obligation.
//
// An inactive obligation with no end boundary generates nothing: there is
// no boundary to honor and inventing one would break forward-only
// termination semantics.
func (g *Generator) Generate(ctx context.Context, id ObligationID, upTo time.Time) (GenerationReport, error) {
	report := GenerationReport{ObligationID: id}

	if g.Locks != nil {
		defer g.Locks.Lock(id)()
	}

	o, err := g.Store.Obligation(ctx, id)
	if err != nil {
		return report, err
	}

	if o.Drifted() {
		return report, &ValidationError{
			ObligationID: o.ID,
			Reason:       "both currency amounts are positive; reconcile before generating",
			Err:          ErrDriftedObligation,
		}
	}
	base, baseAmount, err := o.BaseAmount()
	if err != nil {
		return report, &ValidationError{ObligationID: o.ID, Reason: err.Error(), Err: err}
	}

	if !o.Active && o.EndBoundary == nil {
		return report, nil
	}

	due, err := PeriodsDue(o.StartDate, o.EndBoundary, o.Frequency, upTo)
	if err != nil {
		return report, err
	}

	for _, p := range due {
		present, err := g.Store.HasInstance(ctx, o.ID, p)
		if err != nil {
			return report, fmt.Errorf("check instance %s/%s: %w", o.ID, p, err)
		}
		if present {
			report.AlreadyPresent++
			continue
		}

		date := InstanceDate(o, p)
		rate, err := g.Rates.RateFor(ctx, date)
		if err != nil {
			if errors.Is(err, ErrRateUnavailable) {
				rateErr := &RateUnavailableError{
					ObligationID: o.ID,
					Period:       p,
					Date:         date.Format("2006-01-02"),
				}
				g.Logger.WarnContext(ctx, "skipping period, no rate",
					"obligation_id", string(o.ID),
					"period", p.String(),
					"date", rateErr.Date)
				report.Skipped = append(report.Skipped, SkippedPeriod{Period: p, Reason: rateErr.Error()})
				continue
			}
			return report, fmt.Errorf("resolve rate for %s: %w", date.Format("2006-01-02"), err)
		}
		if !rate.IsPositive() {
			report.Skipped = append(report.Skipped, SkippedPeriod{
				Period: p,
				Reason: fmt.Sprintf("non-positive rate %s for %s", rate, date.Format("2006-01-02")),
			})
			continue
		}

		ars, usd := DeriveAmounts(base, baseAmount, rate)
		now := g.now()
		instance := Instance{
			ID:           InstanceID(uuid.NewString()),
			ObligationID: o.ID,
			UserID:       o.UserID,
			Description:  o.Description,
			Kind:         o.Kind,
			Period:       p,
			Date:         date,
			AmountARS:    ars,
			AmountUSD:    usd,
			RateUsed:     rate,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if err := g.Store.InsertInstance(ctx, instance); err != nil {
			if errors.Is(err, ErrInstanceExists) {
				// A concurrent writer got here first. The row exists, which
				// is the outcome we wanted.
				report.AlreadyPresent++
				continue
			}
			return report, fmt.Errorf("insert instance %s/%s: %w", o.ID, p, err)
		}

		report.Created = append(report.Created, instance)
	}

	g.Logger.InfoContext(ctx, "generation run complete",
		"obligation_id", string(o.ID),
		"created", len(report.Created),
		"skipped", len(report.Skipped),
		"already_present", report.AlreadyPresent)

	return report, nil
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}
