/*
lifecycle.go - Obligation Lifecycle Controller

PURPOSE:
  The single place where obligation state transitions happen:
  Draft -> Active (Create), Active -> Ended (Terminate), * -> Deleted
  (Delete with cascade). The source scripts each re-derived these
  transitions; here they are enforced once.

CREATE:
  Rejects an obligation with both amounts zero, and one with both amounts
  positive unless base inference (reconcile.go) can resolve it - in which
  case the non-base side is zeroed before anything is persisted. The start
  date is normalized to day 1 of its month, UTC.

TERMINATE:
  Forward-only. Sets the end boundary and deactivates; instances at or
  before the boundary stay, and generation stops beyond it. A boundary
  earlier than an existing instance does not retroactively delete it.

DELETE:
  Cascades inside a single store transaction: all instances, then the
  obligation. Partial deletion is not an acceptable outcome; any failure
  rolls the whole operation back and surfaces as a CascadeError.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTROLLER
// =============================================================================

type Controller struct {
	Store  TxStore
	Locks  *KeyedLocks
	Logger *slog.Logger

	Now func() time.Time
}

func NewController(store TxStore, locks *KeyedLocks, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Store: store, Locks: locks, Logger: logger}
}

// CreateInput carries everything needed to create an obligation. The owner
// is always explicit; there is no ambient current user.
type CreateInput struct {
	UserID         UserID
	Description    string
	Kind           Kind
	Frequency      Frequency
	AmountUSD      decimal.Decimal
	AmountARS      decimal.Decimal
	AnchorRate     decimal.Decimal
	CategoryID     string
	CounterpartyID string
	StartDate      time.Time
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates, normalizes, and persists a new obligation.
func (c *Controller) Create(ctx context.Context, in CreateInput) (Obligation, error) {
	if in.UserID == "" {
		return Obligation{}, &ValidationError{Reason: "owner user id is required"}
	}
	if in.Description == "" {
		return Obligation{}, &ValidationError{Reason: "description is required"}
	}
	if !in.Kind.Valid() {
		return Obligation{}, &ValidationError{Reason: fmt.Sprintf("unknown kind %q", in.Kind)}
	}
	if !in.Frequency.Valid() {
		return Obligation{}, &ValidationError{Reason: fmt.Sprintf("unknown frequency %q", in.Frequency)}
	}
	if in.CategoryID == "" {
		return Obligation{}, &ValidationError{Reason: "category id is required"}
	}
	if in.AmountUSD.IsNegative() || in.AmountARS.IsNegative() || in.AnchorRate.IsNegative() {
		return Obligation{}, &ValidationError{Reason: "amounts and rates must be non-negative"}
	}
	if in.StartDate.IsZero() {
		return Obligation{}, &ValidationError{Reason: "start date is required"}
	}

	now := c.now()
	o := Obligation{
		ID:             ObligationID(uuid.NewString()),
		UserID:         in.UserID,
		Description:    in.Description,
		Kind:           in.Kind,
		Frequency:      in.Frequency,
		AmountUSD:      in.AmountUSD,
		AmountARS:      in.AmountARS,
		AnchorRate:     in.AnchorRate,
		CategoryID:     in.CategoryID,
		CounterpartyID: in.CounterpartyID,
		StartDate:      firstOfMonth(in.StartDate),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// The exclusivity invariant must hold, or be resolvable, before
	// anything is persisted.
	base, err := InferBase(o)
	if err != nil {
		var unresolved *DriftUnresolvedError
		if errors.As(err, &unresolved) {
			return Obligation{}, &ValidationError{
				Reason: "both amounts positive and no base currency is resolvable: " + unresolved.Reason,
				Err:    ErrDriftUnresolved,
			}
		}
		return Obligation{}, err
	}
	if o.Drifted() {
		if base == CurrencyUSD {
			o.AmountARS = decimal.Zero
		} else {
			o.AmountUSD = decimal.Zero
		}
		c.Logger.InfoContext(ctx, "resolved base currency at creation",
			"user_id", string(o.UserID),
			"base_currency", string(base))
	}

	if err := c.Store.InsertObligation(ctx, o); err != nil {
		return Obligation{}, fmt.Errorf("insert obligation: %w", err)
	}

	c.Logger.InfoContext(ctx, "obligation created",
		"obligation_id", string(o.ID),
		"user_id", string(o.UserID),
		"frequency", string(o.Frequency),
		"base_currency", string(base))

	return o, nil
}

// =============================================================================
// TERMINATE
// =============================================================================

// Terminate ends the obligation from the given period onward. Instances up
// to and including the boundary remain untouched; Generate will produce
// nothing beyond it.
func (c *Controller) Terminate(ctx context.Context, id ObligationID, boundary Period) (Obligation, error) {
	if !boundary.Valid() {
		return Obligation{}, &ValidationError{ObligationID: id, Reason: fmt.Sprintf("invalid boundary period %s", boundary)}
	}

	if c.Locks != nil {
		defer c.Locks.Lock(id)()
	}

	o, err := c.Store.Obligation(ctx, id)
	if err != nil {
		return Obligation{}, err
	}

	o.EndBoundary = &boundary
	o.Active = false
	o.UpdatedAt = c.now()

	if err := c.Store.UpdateObligation(ctx, o); err != nil {
		return Obligation{}, fmt.Errorf("terminate obligation %s: %w", id, err)
	}

	c.Logger.InfoContext(ctx, "obligation terminated",
		"obligation_id", string(id),
		"boundary", boundary.String())

	return o, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes the obligation and every instance referencing it, inside
// one store transaction. Either all rows go or none do.
func (c *Controller) Delete(ctx context.Context, id ObligationID) error {
	if c.Locks != nil {
		defer c.Locks.Lock(id)()
	}

	// Surface not-found before opening a transaction.
	if _, err := c.Store.Obligation(ctx, id); err != nil {
		return err
	}

	var removed int
	err := c.Store.WithTx(ctx, func(s Store) error {
		n, err := s.DeleteInstancesByObligation(ctx, id)
		if err != nil {
			return err
		}
		removed = n
		return s.DeleteObligation(ctx, id)
	})
	if err != nil {
		return &CascadeError{ObligationID: id, Err: err}
	}

	c.Logger.InfoContext(ctx, "obligation deleted",
		"obligation_id", string(id),
		"instances_removed", removed)

	return nil
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// firstOfMonth normalizes a date to day 1 of its month, midnight UTC.
func firstOfMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
