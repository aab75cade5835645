package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testObligation(id string) engine.Obligation {
	now := time.Now().UTC().Truncate(time.Second)
	return engine.Obligation{
		ID:          engine.ObligationID(id),
		UserID:      "user-1",
		Description: "hosting",
		Kind:        engine.KindExpense,
		Frequency:   engine.FrequencyMonthly,
		AmountUSD:   decimal.NewFromInt(80),
		AmountARS:   decimal.Zero,
		AnchorRate:  decimal.NewFromInt(1000),
		CategoryID:  "cat-services",
		StartDate:   time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testInstance(id, obligationID string, p engine.Period) engine.Instance {
	now := time.Now().UTC().Truncate(time.Second)
	return engine.Instance{
		ID:           engine.InstanceID(id),
		ObligationID: engine.ObligationID(obligationID),
		UserID:       "user-1",
		Description:  "hosting",
		Kind:         engine.KindExpense,
		Period:       p,
		Date:         p.FirstDay(),
		AmountUSD:    decimal.NewFromInt(80),
		AmountARS:    decimal.NewFromInt(80000),
		RateUsed:     decimal.NewFromInt(1000),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// =============================================================================
// OBLIGATION ROUND TRIP
// =============================================================================

func TestSQLite_Obligation_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := testObligation("ob-1")
	end := engine.NewPeriod(time.June, 2026)
	o.EndBoundary = &end

	require.NoError(t, store.InsertObligation(ctx, o))

	got, err := store.Obligation(ctx, o.ID)
	require.NoError(t, err)

	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.UserID, got.UserID)
	assert.Equal(t, o.Frequency, got.Frequency)
	assert.True(t, got.AmountUSD.Equal(o.AmountUSD))
	assert.True(t, got.AnchorRate.Equal(o.AnchorRate))
	assert.True(t, got.StartDate.Equal(o.StartDate))
	require.NotNil(t, got.EndBoundary)
	assert.Equal(t, end, *got.EndBoundary)
	assert.True(t, got.Active)
}

func TestSQLite_Obligation_NilBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertObligation(ctx, testObligation("ob-1")))

	got, err := store.Obligation(ctx, "ob-1")
	require.NoError(t, err)
	assert.Nil(t, got.EndBoundary)
}

func TestSQLite_Obligation_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Obligation(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)

	err = store.UpdateObligation(context.Background(), testObligation("missing"))
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)

	err = store.DeleteObligation(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)
}

func TestSQLite_ObligationsByUser_FiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testObligation("ob-a")
	b := testObligation("ob-b")
	other := testObligation("ob-other")
	other.UserID = "user-2"

	require.NoError(t, store.InsertObligation(ctx, a))
	require.NoError(t, store.InsertObligation(ctx, b))
	require.NoError(t, store.InsertObligation(ctx, other))

	got, err := store.ObligationsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, engine.UserID("user-1"), o.UserID)
	}
}

func TestSQLite_ActiveObligations_ExcludesInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := testObligation("ob-active")
	inactive := testObligation("ob-inactive")
	inactive.Active = false

	require.NoError(t, store.InsertObligation(ctx, active))
	require.NoError(t, store.InsertObligation(ctx, inactive))

	got, err := store.ActiveObligations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.ObligationID("ob-active"), got[0].ID)
}

// =============================================================================
// INSTANCE IDEMPOTENCY KEY
// =============================================================================

func TestSQLite_InsertInstance_DuplicatePeriod_Conflict(t *testing.T) {
	// The unique index on (obligation, period) is the idempotency backstop:
	// the second insert must surface ErrInstanceExists, not a raw SQL error.
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertObligation(ctx, testObligation("ob-1")))

	p := engine.NewPeriod(time.January, 2025)
	require.NoError(t, store.InsertInstance(ctx, testInstance("in-1", "ob-1", p)))

	err := store.InsertInstance(ctx, testInstance("in-2", "ob-1", p))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInstanceExists)
	assert.True(t, engine.IsRecoverable(err))

	has, err := store.HasInstance(ctx, "ob-1", p)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLite_InsertInstance_OneOffRows_NoConflict(t *testing.T) {
	// Rows with an empty obligation id are one-off entries outside the
	// engine's remit; the partial index must not collide them.
	store := newTestStore(t)
	ctx := context.Background()

	p := engine.NewPeriod(time.January, 2025)
	first := testInstance("in-1", "", p)
	second := testInstance("in-2", "", p)

	require.NoError(t, store.InsertInstance(ctx, first))
	require.NoError(t, store.InsertInstance(ctx, second))
}

func TestSQLite_Instance_RoundTripAndRepairWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertObligation(ctx, testObligation("ob-1")))

	jan := testInstance("in-1", "ob-1", engine.NewPeriod(time.January, 2025))
	feb := testInstance("in-2", "ob-1", engine.NewPeriod(time.February, 2025))
	require.NoError(t, store.InsertInstance(ctx, feb))
	require.NoError(t, store.InsertInstance(ctx, jan))

	got, err := store.InstancesByObligation(ctx, "ob-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, engine.InstanceID("in-1"), got[0].ID, "ordered by period, not insert order")
	assert.True(t, got[0].RateUsed.Equal(decimal.NewFromInt(1000)))

	require.NoError(t, store.UpdateInstanceAmounts(ctx, "in-1",
		decimal.NewFromInt(96000), decimal.NewFromInt(80)))

	got, err = store.InstancesByObligation(ctx, "ob-1")
	require.NoError(t, err)
	assert.True(t, got[0].AmountARS.Equal(decimal.NewFromInt(96000)))

	err = store.UpdateInstanceAmounts(ctx, "missing", decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, engine.ErrInstanceNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertObligation(ctx, testObligation("ob-1")))
	require.NoError(t, store.InsertInstance(ctx, testInstance("in-1", "ob-1", engine.NewPeriod(time.January, 2025))))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s engine.Store) error {
		if _, err := s.DeleteInstancesByObligation(ctx, "ob-1"); err != nil {
			return err
		}
		if err := s.DeleteObligation(ctx, "ob-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Everything is still there.
	_, err = store.Obligation(ctx, "ob-1")
	require.NoError(t, err)
	has, err := store.HasInstance(ctx, "ob-1", engine.NewPeriod(time.January, 2025))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLite_WithTx_CommitsCascade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertObligation(ctx, testObligation("ob-1")))
	require.NoError(t, store.InsertInstance(ctx, testInstance("in-1", "ob-1", engine.NewPeriod(time.January, 2025))))
	require.NoError(t, store.InsertInstance(ctx, testInstance("in-2", "ob-1", engine.NewPeriod(time.February, 2025))))

	var removed int
	err := store.WithTx(ctx, func(s engine.Store) error {
		n, err := s.DeleteInstancesByObligation(ctx, "ob-1")
		if err != nil {
			return err
		}
		removed = n
		return s.DeleteObligation(ctx, "ob-1")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Obligation(ctx, "ob-1")
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)
}

// =============================================================================
// RATES
// =============================================================================

func TestSQLite_Rates_PutGetUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	date := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.RateFor(ctx, date)
	assert.ErrorIs(t, err, engine.ErrRateUnavailable)

	require.NoError(t, store.PutRate(ctx, date, decimal.NewFromInt(1000)))
	rate, err := store.RateFor(ctx, date)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1000)))

	// Upsert replaces the quote for the same date.
	require.NoError(t, store.PutRate(ctx, date, decimal.NewFromFloat(1050.5)))
	rate, err = store.RateFor(ctx, date)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromFloat(1050.5)))
}
