/*
Package postgres provides a PostgreSQL-backed implementation of the
engine's storage interfaces using pgx.

PURPOSE:
  Same contracts as store/sqlite, for multi-process deployments. Two
  things SQLite cannot give us are used here:

  - A real unique-violation error code (23505) for the idempotency key,
    mapped to engine.ErrInstanceExists.
  - Transaction-scoped advisory locks (pg_advisory_xact_lock) keyed by
    obligation id, so the per-obligation single-writer discipline holds
    across processes, not just within one. Instance inserts and cascade
    deletes take the lock; it releases automatically at commit/rollback.

SCHEMA:
  obligations, instances, rates - mirrors store/sqlite with native types
  (NUMERIC for money, DATE for dates). Migrated on New().

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil { ... }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface contracts
  - store/sqlite:    SQLite implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/engine"
)

const uniqueViolation = "23505"

// Store implements engine.TxStore and engine.RateStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		description TEXT NOT NULL,
		kind TEXT NOT NULL,
		frequency TEXT NOT NULL,
		amount_usd NUMERIC(18,2) NOT NULL,
		amount_ars NUMERIC(18,2) NOT NULL,
		anchor_rate NUMERIC(18,6) NOT NULL,
		category_id TEXT NOT NULL,
		counterparty_id TEXT NOT NULL DEFAULT '',
		start_date DATE NOT NULL,
		end_month INTEGER,
		end_year INTEGER,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_user ON obligations(user_id);
	CREATE INDEX IF NOT EXISTS idx_obligations_active ON obligations(active);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		description TEXT NOT NULL,
		kind TEXT NOT NULL,
		period_month INTEGER NOT NULL,
		period_year INTEGER NOT NULL,
		date DATE NOT NULL,
		amount_usd NUMERIC(18,2) NOT NULL,
		amount_ars NUMERIC(18,2) NOT NULL,
		rate_used NUMERIC(18,6) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_obligation_period
		ON instances(obligation_id, period_year, period_month)
		WHERE obligation_id != '';

	CREATE INDEX IF NOT EXISTS idx_instances_obligation ON instances(obligation_id);
	CREATE INDEX IF NOT EXISTS idx_instances_user_date ON instances(user_id, date);

	CREATE TABLE IF NOT EXISTS rates (
		date DATE PRIMARY KEY,
		ars_per_usd NUMERIC(18,6) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// OBLIGATIONS (engine.Store interface)
// =============================================================================

func (s *Store) InsertObligation(ctx context.Context, o engine.Obligation) error {
	return insertObligation(ctx, s.pool, o)
}

func insertObligation(ctx context.Context, db querier, o engine.Obligation) error {
	endMonth, endYear := boundaryColumns(o.EndBoundary)
	_, err := db.Exec(ctx, `
		INSERT INTO obligations
		(id, user_id, description, kind, frequency, amount_usd, amount_ars,
		 anchor_rate, category_id, counterparty_id, start_date, end_month,
		 end_year, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		o.ID, o.UserID, o.Description, o.Kind, o.Frequency,
		o.AmountUSD, o.AmountARS, o.AnchorRate,
		o.CategoryID, o.CounterpartyID,
		o.StartDate.UTC(), endMonth, endYear, o.Active,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert obligation: %w", err)
	}
	return nil
}

const obligationColumns = `
	SELECT id, user_id, description, kind, frequency, amount_usd, amount_ars,
	       anchor_rate, category_id, counterparty_id, start_date, end_month,
	       end_year, active, created_at, updated_at
	FROM obligations`

func (s *Store) Obligation(ctx context.Context, id engine.ObligationID) (engine.Obligation, error) {
	return getObligation(ctx, s.pool, id)
}

func getObligation(ctx context.Context, db querier, id engine.ObligationID) (engine.Obligation, error) {
	o, err := scanObligation(db.QueryRow(ctx, obligationColumns+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Obligation{}, engine.ErrObligationNotFound
	}
	return o, err
}

func (s *Store) ObligationsByUser(ctx context.Context, userID engine.UserID) ([]engine.Obligation, error) {
	return queryObligations(ctx, s.pool, obligationColumns+" WHERE user_id = $1 ORDER BY created_at, id", userID)
}

func (s *Store) ActiveObligations(ctx context.Context) ([]engine.Obligation, error) {
	return queryObligations(ctx, s.pool, obligationColumns+" WHERE active ORDER BY created_at, id")
}

func queryObligations(ctx context.Context, db querier, query string, args ...any) ([]engine.Obligation, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var result []engine.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanObligation(row pgx.Row) (engine.Obligation, error) {
	var (
		o        engine.Obligation
		endMonth *int
		endYear  *int
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Description, &o.Kind, &o.Frequency,
		&o.AmountUSD, &o.AmountARS, &o.AnchorRate,
		&o.CategoryID, &o.CounterpartyID,
		&o.StartDate, &endMonth, &endYear, &o.Active,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	if endMonth != nil && endYear != nil {
		p := engine.NewPeriod(time.Month(*endMonth), *endYear)
		o.EndBoundary = &p
	}
	return o, nil
}

func (s *Store) UpdateObligation(ctx context.Context, o engine.Obligation) error {
	return updateObligation(ctx, s.pool, o)
}

func updateObligation(ctx context.Context, db querier, o engine.Obligation) error {
	endMonth, endYear := boundaryColumns(o.EndBoundary)
	tag, err := db.Exec(ctx, `
		UPDATE obligations
		SET description = $1, kind = $2, frequency = $3, amount_usd = $4,
		    amount_ars = $5, anchor_rate = $6, category_id = $7,
		    counterparty_id = $8, start_date = $9, end_month = $10,
		    end_year = $11, active = $12, updated_at = $13
		WHERE id = $14`,
		o.Description, o.Kind, o.Frequency, o.AmountUSD,
		o.AmountARS, o.AnchorRate, o.CategoryID,
		o.CounterpartyID, o.StartDate.UTC(), endMonth,
		endYear, o.Active, o.UpdatedAt.UTC(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrObligationNotFound
	}
	return nil
}

func (s *Store) DeleteObligation(ctx context.Context, id engine.ObligationID) error {
	return deleteObligation(ctx, s.pool, id)
}

func deleteObligation(ctx context.Context, db querier, id engine.ObligationID) error {
	tag, err := db.Exec(ctx, "DELETE FROM obligations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete obligation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrObligationNotFound
	}
	return nil
}

// =============================================================================
// INSTANCES (engine.Store interface)
// =============================================================================

// InsertInstance wraps the insert in a transaction holding the obligation's
// advisory lock, so concurrent generators across processes serialize here.
func (s *Store) InsertInstance(ctx context.Context, in engine.Instance) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if in.ObligationID != "" {
			if err := lockObligation(ctx, tx, in.ObligationID); err != nil {
				return err
			}
		}
		return insertInstance(ctx, tx, in)
	})
}

func insertInstance(ctx context.Context, db querier, in engine.Instance) error {
	_, err := db.Exec(ctx, `
		INSERT INTO instances
		(id, obligation_id, user_id, description, kind, period_month,
		 period_year, date, amount_usd, amount_ars, rate_used, created_at,
		 updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		in.ID, in.ObligationID, in.UserID, in.Description, in.Kind,
		int(in.Period.Month), in.Period.Year, in.Date.UTC(),
		in.AmountUSD, in.AmountARS, in.RateUsed,
		in.CreatedAt.UTC(), in.UpdatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return engine.ErrInstanceExists
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (s *Store) HasInstance(ctx context.Context, id engine.ObligationID, p engine.Period) (bool, error) {
	return hasInstance(ctx, s.pool, id, p)
}

func hasInstance(ctx context.Context, db querier, id engine.ObligationID, p engine.Period) (bool, error) {
	var count int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM instances
		WHERE obligation_id = $1 AND period_year = $2 AND period_month = $3`,
		id, p.Year, int(p.Month),
	).Scan(&count)
	return count > 0, err
}

func (s *Store) InstancesByObligation(ctx context.Context, id engine.ObligationID) ([]engine.Instance, error) {
	return instancesByObligation(ctx, s.pool, id)
}

func instancesByObligation(ctx context.Context, db querier, id engine.ObligationID) ([]engine.Instance, error) {
	rows, err := db.Query(ctx, `
		SELECT id, obligation_id, user_id, description, kind, period_month,
		       period_year, date, amount_usd, amount_ars, rate_used,
		       created_at, updated_at
		FROM instances
		WHERE obligation_id = $1
		ORDER BY period_year, period_month`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var result []engine.Instance
	for rows.Next() {
		var (
			in          engine.Instance
			periodMonth int
			periodYear  int
		)
		err := rows.Scan(
			&in.ID, &in.ObligationID, &in.UserID, &in.Description, &in.Kind,
			&periodMonth, &periodYear, &in.Date,
			&in.AmountUSD, &in.AmountARS, &in.RateUsed,
			&in.CreatedAt, &in.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		in.Period = engine.NewPeriod(time.Month(periodMonth), periodYear)
		result = append(result, in)
	}
	return result, rows.Err()
}

func (s *Store) UpdateInstanceAmounts(ctx context.Context, id engine.InstanceID, ars, usd decimal.Decimal) error {
	return updateInstanceAmounts(ctx, s.pool, id, ars, usd)
}

func updateInstanceAmounts(ctx context.Context, db querier, id engine.InstanceID, ars, usd decimal.Decimal) error {
	tag, err := db.Exec(ctx, `
		UPDATE instances SET amount_ars = $1, amount_usd = $2, updated_at = $3
		WHERE id = $4`,
		ars, usd, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance amounts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrInstanceNotFound
	}
	return nil
}

func (s *Store) DeleteInstancesByObligation(ctx context.Context, id engine.ObligationID) (int, error) {
	return deleteInstancesByObligation(ctx, s.pool, id)
}

func deleteInstancesByObligation(ctx context.Context, db querier, id engine.ObligationID) (int, error) {
	tag, err := db.Exec(ctx, "DELETE FROM instances WHERE obligation_id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) InsertObligation(ctx context.Context, o engine.Obligation) error {
	return insertObligation(ctx, t.tx, o)
}

func (t *txStore) Obligation(ctx context.Context, id engine.ObligationID) (engine.Obligation, error) {
	return getObligation(ctx, t.tx, id)
}

func (t *txStore) ObligationsByUser(ctx context.Context, userID engine.UserID) ([]engine.Obligation, error) {
	return queryObligations(ctx, t.tx, obligationColumns+" WHERE user_id = $1 ORDER BY created_at, id", userID)
}

func (t *txStore) ActiveObligations(ctx context.Context) ([]engine.Obligation, error) {
	return queryObligations(ctx, t.tx, obligationColumns+" WHERE active ORDER BY created_at, id")
}

func (t *txStore) UpdateObligation(ctx context.Context, o engine.Obligation) error {
	return updateObligation(ctx, t.tx, o)
}

func (t *txStore) DeleteObligation(ctx context.Context, id engine.ObligationID) error {
	return deleteObligation(ctx, t.tx, id)
}

func (t *txStore) InsertInstance(ctx context.Context, in engine.Instance) error {
	return insertInstance(ctx, t.tx, in)
}

func (t *txStore) HasInstance(ctx context.Context, id engine.ObligationID, p engine.Period) (bool, error) {
	return hasInstance(ctx, t.tx, id, p)
}

func (t *txStore) InstancesByObligation(ctx context.Context, id engine.ObligationID) ([]engine.Instance, error) {
	return instancesByObligation(ctx, t.tx, id)
}

func (t *txStore) UpdateInstanceAmounts(ctx context.Context, id engine.InstanceID, ars, usd decimal.Decimal) error {
	return updateInstanceAmounts(ctx, t.tx, id, ars, usd)
}

// DeleteInstancesByObligation takes the obligation's advisory lock first:
// a cascade must not interleave with a concurrent generation run.
func (t *txStore) DeleteInstancesByObligation(ctx context.Context, id engine.ObligationID) (int, error) {
	if err := lockObligation(ctx, t.tx, id); err != nil {
		return 0, err
	}
	return deleteInstancesByObligation(ctx, t.tx, id)
}

// =============================================================================
// RATES (engine.RateStore interface)
// =============================================================================

func (s *Store) PutRate(ctx context.Context, date time.Time, arsPerUSD decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rates (date, ars_per_usd, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (date) DO UPDATE SET ars_per_usd = EXCLUDED.ars_per_usd`,
		date.UTC(), arsPerUSD, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put rate: %w", err)
	}
	return nil
}

func (s *Store) RateFor(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"SELECT ars_per_usd FROM rates WHERE date = $1", date.UTC(),
	).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, engine.ErrRateUnavailable
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query rate: %w", err)
	}
	return rate, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// lockObligation takes a transaction-scoped advisory lock keyed by the
// obligation id. Released automatically at commit or rollback.
func lockObligation(ctx context.Context, tx querier, id engine.ObligationID) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(id))
	if err != nil {
		return fmt.Errorf("failed to lock obligation %s: %w", id, err)
	}
	return nil
}

func advisoryKey(id engine.ObligationID) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64())
}

func boundaryColumns(p *engine.Period) (month, year *int) {
	if p == nil {
		return nil, nil
	}
	m := int(p.Month)
	y := p.Year
	return &m, &y
}
