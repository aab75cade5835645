/*
store.go - Persistence interfaces for obligations and instances

PURPOSE:
  Defines the contract between the engine and whatever store the host
  application uses. The only hard requirement on implementations is that
  the (obligation_id, period) idempotency key is enforceable: InsertInstance
  must fail with ErrInstanceExists when a row for the key already exists.

KEY INTERFACES:
  Store:   Obligation and instance persistence
  TxStore: Adds WithTx for atomic multi-row operations (cascade delete)

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests and dev
  - store/sqlite:           SQLite (unique index enforces the key)
  - store/postgres:         PostgreSQL (unique index + advisory locks)
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Obligation and instance persistence
// =============================================================================

type Store interface {
	// InsertObligation persists a new obligation.
	InsertObligation(ctx context.Context, o Obligation) error

	// Obligation returns one obligation, or ErrObligationNotFound.
	Obligation(ctx context.Context, id ObligationID) (Obligation, error)

	// ObligationsByUser returns all obligations owned by a user.
	ObligationsByUser(ctx context.Context, userID UserID) ([]Obligation, error)

	// ActiveObligations returns every active obligation across users.
	// Used by the background sweep.
	ActiveObligations(ctx context.Context) ([]Obligation, error)

	// UpdateObligation rewrites an obligation's mutable fields.
	UpdateObligation(ctx context.Context, o Obligation) error

	// DeleteObligation removes the obligation row only. Cascade semantics
	// live in the lifecycle controller, inside WithTx.
	DeleteObligation(ctx context.Context, id ObligationID) error

	// InsertInstance persists a new instance. Returns ErrInstanceExists if
	// an instance for (o.ObligationID, o.Period) is already present.
	InsertInstance(ctx context.Context, in Instance) error

	// HasInstance checks the idempotency key.
	HasInstance(ctx context.Context, id ObligationID, p Period) (bool, error)

	// InstancesByObligation returns the obligation's instances ordered by
	// period.
	InstancesByObligation(ctx context.Context, id ObligationID) ([]Instance, error)

	// UpdateInstanceAmounts rewrites only the two amount columns of an
	// instance. Period, date, and rate are immutable after creation.
	UpdateInstanceAmounts(ctx context.Context, id InstanceID, ars, usd decimal.Decimal) error

	// DeleteInstancesByObligation removes all instances referencing the
	// obligation and reports how many went.
	DeleteInstancesByObligation(ctx context.Context, id ObligationID) (int, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
// WithTx executes fn against a transactional view: if fn returns an error
// the transaction rolls back, otherwise it commits. Cascade delete depends
// on this being genuinely atomic.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
