/*
Package sqlite provides a SQLite-backed implementation of the engine's
storage interfaces.

PURPOSE:
  Implements engine.Store, engine.TxStore, and engine.RateStore using
  SQLite. The same patterns apply to PostgreSQL (see store/postgres) with
  only dialect differences.

IDEMPOTENCY ENFORCEMENT:
  The unique index ux_instances_obligation_period on
  (obligation_id, period_year, period_month) is the engine's idempotency
  key. A violation maps to engine.ErrInstanceExists, which the generator
  treats as success. Instances with an empty obligation_id (one-off rows
  outside the engine) are excluded from the index.

KEY TABLES:
  obligations: Recurring-obligation records
  instances:   Dated materializations, keyed by obligation_id (no FK:
               one-off rows carry an empty obligation_id, and cascade
               deletion is done transactionally by the lifecycle layer)
  rates:       Dated ARS-per-USD quotes (engine.RateStore)

WAL MODE:
  The database is opened with WAL and foreign keys on, matching the
  single-writer batch profile of the engine.

USAGE:
  store, err := sqlite.New("./data/obligations.db")
  if err != nil { ... }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface contracts
  - store/postgres:  PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/engine"
)

const (
	dateLayout = "2006-01-02"
	tsLayout   = time.RFC3339
)

// Store implements engine.TxStore and engine.RateStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) a SQLite store at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		description TEXT NOT NULL,
		kind TEXT NOT NULL,
		frequency TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		amount_ars TEXT NOT NULL,
		anchor_rate TEXT NOT NULL,
		category_id TEXT NOT NULL,
		counterparty_id TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_month INTEGER,
		end_year INTEGER,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_user
		ON obligations(user_id);
	CREATE INDEX IF NOT EXISTS idx_obligations_active
		ON obligations(active);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		description TEXT NOT NULL,
		kind TEXT NOT NULL,
		period_month INTEGER NOT NULL,
		period_year INTEGER NOT NULL,
		date TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		amount_ars TEXT NOT NULL,
		rate_used TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: the engine's idempotency key. One instance per obligation
	-- per billing period. One-off rows (empty obligation_id) are exempt.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_obligation_period
		ON instances(obligation_id, period_year, period_month)
		WHERE obligation_id != '';

	CREATE INDEX IF NOT EXISTS idx_instances_obligation
		ON instances(obligation_id);
	CREATE INDEX IF NOT EXISTS idx_instances_user_date
		ON instances(user_id, date);

	-- Dated ARS-per-USD quotes.
	CREATE TABLE IF NOT EXISTS rates (
		date TEXT PRIMARY KEY,
		ars_per_usd TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// OBLIGATIONS (engine.Store interface)
// =============================================================================

func (s *Store) InsertObligation(ctx context.Context, o engine.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertObligation(ctx, s.db, o)
}

func insertObligation(ctx context.Context, db execer, o engine.Obligation) error {
	endMonth, endYear := boundaryColumns(o.EndBoundary)
	_, err := db.ExecContext(ctx, `
		INSERT INTO obligations
		(id, user_id, description, kind, frequency, amount_usd, amount_ars,
		 anchor_rate, category_id, counterparty_id, start_date, end_month,
		 end_year, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Description, o.Kind, o.Frequency,
		o.AmountUSD.String(), o.AmountARS.String(), o.AnchorRate.String(),
		o.CategoryID, o.CounterpartyID,
		o.StartDate.UTC().Format(dateLayout), endMonth, endYear, o.Active,
		o.CreatedAt.UTC().Format(tsLayout), o.UpdatedAt.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert obligation: %w", err)
	}
	return nil
}

func (s *Store) Obligation(ctx context.Context, id engine.ObligationID) (engine.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getObligation(ctx, s.db, id)
}

func getObligation(ctx context.Context, db execer, id engine.ObligationID) (engine.Obligation, error) {
	row := db.QueryRowContext(ctx, obligationColumns+" WHERE id = ?", id)
	o, err := scanObligation(row)
	if err == sql.ErrNoRows {
		return engine.Obligation{}, engine.ErrObligationNotFound
	}
	return o, err
}

const obligationColumns = `
	SELECT id, user_id, description, kind, frequency, amount_usd, amount_ars,
	       anchor_rate, category_id, counterparty_id, start_date, end_month,
	       end_year, active, created_at, updated_at
	FROM obligations`

func (s *Store) ObligationsByUser(ctx context.Context, userID engine.UserID) ([]engine.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryObligations(ctx, s.db, obligationColumns+" WHERE user_id = ? ORDER BY created_at, id", userID)
}

func (s *Store) ActiveObligations(ctx context.Context) ([]engine.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryObligations(ctx, s.db, obligationColumns+" WHERE active = TRUE ORDER BY created_at, id")
}

func queryObligations(ctx context.Context, db execer, query string, args ...any) ([]engine.Obligation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (engine.Obligation, error) {
	var (
		o          engine.Obligation
		amountUSD  string
		amountARS  string
		anchorRate string
		startDate  string
		endMonth   sql.NullInt64
		endYear    sql.NullInt64
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Description, &o.Kind, &o.Frequency,
		&amountUSD, &amountARS, &anchorRate, &o.CategoryID, &o.CounterpartyID,
		&startDate, &endMonth, &endYear, &o.Active, &createdAt, &updatedAt,
	)
	if err != nil {
		return o, err
	}

	o.AmountUSD = mustDecimal(amountUSD)
	o.AmountARS = mustDecimal(amountARS)
	o.AnchorRate = mustDecimal(anchorRate)
	o.StartDate, _ = time.ParseInLocation(dateLayout, startDate, time.UTC)
	o.CreatedAt, _ = time.Parse(tsLayout, createdAt)
	o.UpdatedAt, _ = time.Parse(tsLayout, updatedAt)
	if endMonth.Valid && endYear.Valid {
		p := engine.NewPeriod(time.Month(endMonth.Int64), int(endYear.Int64))
		o.EndBoundary = &p
	}
	return o, nil
}

func (s *Store) UpdateObligation(ctx context.Context, o engine.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateObligation(ctx, s.db, o)
}

func updateObligation(ctx context.Context, db execer, o engine.Obligation) error {
	endMonth, endYear := boundaryColumns(o.EndBoundary)
	res, err := db.ExecContext(ctx, `
		UPDATE obligations
		SET description = ?, kind = ?, frequency = ?, amount_usd = ?,
		    amount_ars = ?, anchor_rate = ?, category_id = ?,
		    counterparty_id = ?, start_date = ?, end_month = ?, end_year = ?,
		    active = ?, updated_at = ?
		WHERE id = ?`,
		o.Description, o.Kind, o.Frequency,
		o.AmountUSD.String(), o.AmountARS.String(), o.AnchorRate.String(),
		o.CategoryID, o.CounterpartyID,
		o.StartDate.UTC().Format(dateLayout), endMonth, endYear, o.Active,
		o.UpdatedAt.UTC().Format(tsLayout), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrObligationNotFound
	}
	return nil
}

func (s *Store) DeleteObligation(ctx context.Context, id engine.ObligationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteObligation(ctx, s.db, id)
}

func deleteObligation(ctx context.Context, db execer, id engine.ObligationID) error {
	res, err := db.ExecContext(ctx, "DELETE FROM obligations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrObligationNotFound
	}
	return nil
}

// =============================================================================
// INSTANCES (engine.Store interface)
// =============================================================================

func (s *Store) InsertInstance(ctx context.Context, in engine.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertInstance(ctx, s.db, in)
}

func insertInstance(ctx context.Context, db execer, in engine.Instance) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO instances
		(id, obligation_id, user_id, description, kind, period_month,
		 period_year, date, amount_usd, amount_ars, rate_used, created_at,
		 updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ObligationID, in.UserID, in.Description, in.Kind,
		int(in.Period.Month), in.Period.Year,
		in.Date.UTC().Format(dateLayout),
		in.AmountUSD.String(), in.AmountARS.String(), in.RateUsed.String(),
		in.CreatedAt.UTC().Format(tsLayout), in.UpdatedAt.UTC().Format(tsLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrInstanceExists
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (s *Store) HasInstance(ctx context.Context, id engine.ObligationID, p engine.Period) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasInstance(ctx, s.db, id, p)
}

func hasInstance(ctx context.Context, db execer, id engine.ObligationID, p engine.Period) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM instances
		WHERE obligation_id = ? AND period_year = ? AND period_month = ?`,
		id, p.Year, int(p.Month),
	).Scan(&count)
	return count > 0, err
}

func (s *Store) InstancesByObligation(ctx context.Context, id engine.ObligationID) ([]engine.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return instancesByObligation(ctx, s.db, id)
}

func instancesByObligation(ctx context.Context, db execer, id engine.ObligationID) ([]engine.Instance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, obligation_id, user_id, description, kind, period_month,
		       period_year, date, amount_usd, amount_ars, rate_used,
		       created_at, updated_at
		FROM instances
		WHERE obligation_id = ?
		ORDER BY period_year, period_month`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var result []engine.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

func scanInstance(rows *sql.Rows) (engine.Instance, error) {
	var (
		in          engine.Instance
		periodMonth int
		periodYear  int
		date        string
		amountUSD   string
		amountARS   string
		rateUsed    string
		createdAt   string
		updatedAt   string
	)
	err := rows.Scan(
		&in.ID, &in.ObligationID, &in.UserID, &in.Description, &in.Kind,
		&periodMonth, &periodYear, &date, &amountUSD, &amountARS, &rateUsed,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return in, fmt.Errorf("failed to scan instance: %w", err)
	}

	in.Period = engine.NewPeriod(time.Month(periodMonth), periodYear)
	in.Date, _ = time.ParseInLocation(dateLayout, date, time.UTC)
	in.AmountUSD = mustDecimal(amountUSD)
	in.AmountARS = mustDecimal(amountARS)
	in.RateUsed = mustDecimal(rateUsed)
	in.CreatedAt, _ = time.Parse(tsLayout, createdAt)
	in.UpdatedAt, _ = time.Parse(tsLayout, updatedAt)
	return in, nil
}

func (s *Store) UpdateInstanceAmounts(ctx context.Context, id engine.InstanceID, ars, usd decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateInstanceAmounts(ctx, s.db, id, ars, usd)
}

func updateInstanceAmounts(ctx context.Context, db execer, id engine.InstanceID, ars, usd decimal.Decimal) error {
	res, err := db.ExecContext(ctx, `
		UPDATE instances SET amount_ars = ?, amount_usd = ?, updated_at = ?
		WHERE id = ?`,
		ars.String(), usd.String(), time.Now().UTC().Format(tsLayout), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance amounts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrInstanceNotFound
	}
	return nil
}

func (s *Store) DeleteInstancesByObligation(ctx context.Context, id engine.ObligationID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteInstancesByObligation(ctx, s.db, id)
}

func deleteInstancesByObligation(ctx context.Context, db execer, id engine.ObligationID) (int, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM instances WHERE obligation_id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete instances: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the transactional view handed to WithTx callbacks.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) InsertObligation(ctx context.Context, o engine.Obligation) error {
	return insertObligation(ctx, t.tx, o)
}

func (t *txStore) Obligation(ctx context.Context, id engine.ObligationID) (engine.Obligation, error) {
	return getObligation(ctx, t.tx, id)
}

func (t *txStore) ObligationsByUser(ctx context.Context, userID engine.UserID) ([]engine.Obligation, error) {
	return queryObligations(ctx, t.tx, obligationColumns+" WHERE user_id = ? ORDER BY created_at, id", userID)
}

func (t *txStore) ActiveObligations(ctx context.Context) ([]engine.Obligation, error) {
	return queryObligations(ctx, t.tx, obligationColumns+" WHERE active = TRUE ORDER BY created_at, id")
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

func (t *txStore) DeleteInstancesByObligation(ctx context.Context, id engine.ObligationID) (int, error) {
	return deleteInstancesByObligation(ctx, t.tx, id)
}

// =============================================================================
// RATES (engine.RateStore interface)
// =============================================================================

func (s *Store) PutRate(ctx context.Context, date time.Time, arsPerUSD decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rates (date, ars_per_usd, created_at) VALUES (?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET ars_per_usd = excluded.ars_per_usd`,
		date.UTC().Format(dateLayout), arsPerUSD.String(),
		time.Now().UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to put rate: %w", err)
	}
	return nil
}

func (s *Store) RateFor(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT ars_per_usd FROM rates WHERE date = ?",
		date.UTC().Format(dateLayout),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, engine.ErrRateUnavailable
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query rate: %w", err)
	}
	return mustDecimal(raw), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func boundaryColumns(p *engine.Period) (month, year any) {
	if p == nil {
		return nil, nil
	}
	return int(p.Month), p.Year
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
