package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/engine/store"
)

func newTestController(t *testing.T) (*engine.Controller, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	ctrl := engine.NewController(mem, engine.NewKeyedLocks(), nil)
	return ctrl, mem
}

func validCreateInput() engine.CreateInput {
	return engine.CreateInput{
		UserID:      "user-1",
		Description: "hosting",
		Kind:        engine.KindExpense,
		Frequency:   engine.FrequencyMonthly,
		AmountUSD:   decimal.NewFromInt(80),
		AnchorRate:  decimal.NewFromInt(1000),
		CategoryID:  "cat-services",
		StartDate:   time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_Valid_PersistsNormalized(t *testing.T) {
	ctrl, mem := newTestController(t)
	ctx := context.Background()

	o, err := ctrl.Create(ctx, validCreateInput())
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.True(t, o.Active)
	assert.Equal(t, 1, o.StartDate.Day(), "start date is normalized to day 1")
	assert.Equal(t, time.January, o.StartDate.Month())

	got, err := mem.Obligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
}

func TestCreate_Validation(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*engine.CreateInput)
	}{
		{"missing user", func(in *engine.CreateInput) { in.UserID = "" }},
		{"missing description", func(in *engine.CreateInput) { in.Description = "" }},
		{"unknown kind", func(in *engine.CreateInput) { in.Kind = "transfer" }},
		{"unknown frequency", func(in *engine.CreateInput) { in.Frequency = "weekly" }},
		{"missing category", func(in *engine.CreateInput) { in.CategoryID = "" }},
		{"negative amount", func(in *engine.CreateInput) { in.AmountUSD = decimal.NewFromInt(-5) }},
		{"missing start date", func(in *engine.CreateInput) { in.StartDate = time.Time{} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validCreateInput()
			tc.mutate(&in)

			_, err := ctrl.Create(ctx, in)
			require.Error(t, err)
			var ve *engine.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestCreate_BothAmountsZero_Rejected(t *testing.T) {
	ctrl, _ := newTestController(t)

	in := validCreateInput()
	in.AmountUSD = decimal.Zero

	_, err := ctrl.Create(context.Background(), in)
	assert.ErrorIs(t, err, engine.ErrBothAmountsZero)
}

func TestCreate_ResolvableDrift_ZeroedBeforePersist(t *testing.T) {
	// GIVEN: Input with both amounts set, where the ARS side is just the
	//        anchor conversion of the USD side
	// THEN:  The obligation is stored with the derived side zeroed; the
	//        invariant never reaches the store broken
	ctrl, mem := newTestController(t)
	ctx := context.Background()

	in := validCreateInput()
	in.AmountARS = decimal.NewFromInt(80000) // 80 x 1000

	o, err := ctrl.Create(ctx, in)
	require.NoError(t, err)

	got, err := mem.Obligation(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, got.Drifted())
	assert.True(t, got.AmountARS.IsZero())
}

func TestCreate_UnresolvableDrift_Rejected(t *testing.T) {
	ctrl, mem := newTestController(t)
	ctx := context.Background()

	in := validCreateInput()
	in.AmountARS = decimal.NewFromInt(95000) // both round, no anchor match
	in.AnchorRate = decimal.Zero

	_, err := ctrl.Create(ctx, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDriftUnresolved)
	assert.True(t, engine.IsClientError(err))

	obligations, err := mem.ObligationsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, obligations, "nothing may be persisted on rejection")
}

// =============================================================================
// TERMINATE
// =============================================================================

func TestTerminate_SetsBoundaryAndDeactivates(t *testing.T) {
	ctrl, mem := newTestController(t)
	ctx := context.Background()

	o, err := ctrl.Create(ctx, validCreateInput())
	require.NoError(t, err)

	boundary := engine.NewPeriod(time.June, 2025)
	got, err := ctrl.Terminate(ctx, o.ID, boundary)
	require.NoError(t, err)

	assert.False(t, got.Active)
	require.NotNil(t, got.EndBoundary)
	assert.Equal(t, boundary, *got.EndBoundary)

	stored, err := mem.Obligation(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestTerminate_ForwardOnly_ExistingInstancesUntouched(t *testing.T) {
	// GIVEN: Instances generated through June 2025
	// WHEN:  Terminating after March 2025
	// THEN:  Later instances remain; only future generation is fenced
	ctrl, mem := newTestController(t)
	ctx := context.Background()

	o, err := ctrl.Create(ctx, validCreateInput())
	require.NoError(t, err)

	rates := store.NewMemoryRates()
	seedMonthlyRates(t, rates, 2025, time.January, time.June, 1000)
	gen := engine.NewGenerator(mem, rates, engine.NewKeyedLocks(), nil)

	report, err := gen.Generate(ctx, o.ID, time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, report.Created, 6)

	_, err = ctrl.Terminate(ctx, o.ID, engine.NewPeriod(time.March, 2025))
	require.NoError(t, err)

	instances, err := mem.InstancesByObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 6, "termination never deletes history")

	// New generation stops at the boundary: nothing to add.
	again, err := gen.Generate(ctx, o.ID, time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Equal(t, 3, again.AlreadyPresent, "jan-mar are within the boundary")
}

func TestTerminate_InvalidBoundary_Rejected(t *testing.T) {
	ctrl, _ := newTestController(t)

	_, err := ctrl.Terminate(context.Background(), "ob-1", engine.Period{})
	var ve *engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestTerminate_UnknownObligation_NotFound(t *testing.T) {
	ctrl, _ := newTestController(t)

	_, err := ctrl.Terminate(context.Background(), "missing", engine.NewPeriod(time.June, 2025))
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)
}

// =============================================================================
// DELETE CASCADE
// =============================================================================

func TestDelete_CascadesInstances(t *testing.T) {
	ctrl, mem := newTestController(t)
	ctx := context.Background()

	o, err := ctrl.Create(ctx, validCreateInput())
	require.NoError(t, err)

	rates := store.NewMemoryRates()
	seedMonthlyRates(t, rates, 2025, time.January, time.March, 1000)
	gen := engine.NewGenerator(mem, rates, engine.NewKeyedLocks(), nil)
	_, err = gen.Generate(ctx, o.ID, time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, ctrl.Delete(ctx, o.ID))

	_, err = mem.Obligation(ctx, o.ID)
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)
	instances, err := mem.InstancesByObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestDelete_UnknownObligation_NotFound(t *testing.T) {
	ctrl, _ := newTestController(t)

	err := ctrl.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)
}

func TestDelete_FailureMidCascade_RollsBackEverything(t *testing.T) {
	// GIVEN: A store where deleting the obligation row fails after the
	//        instance deletes succeeded
	// THEN:  The whole cascade rolls back; instances are still there
	mem := store.NewTxMemory()
	failing := &failDeleteStore{TxMemory: mem}
	ctrl := engine.NewController(failing, engine.NewKeyedLocks(), nil)
	ctx := context.Background()

	o, err := ctrl.Create(ctx, validCreateInput())
	require.NoError(t, err)

	rates := store.NewMemoryRates()
	seedMonthlyRates(t, rates, 2025, time.January, time.February, 1000)
	gen := engine.NewGenerator(mem, rates, engine.NewKeyedLocks(), nil)
	_, err = gen.Generate(ctx, o.ID, time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	err = ctrl.Delete(ctx, o.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCascadeFailed)
	var cascade *engine.CascadeError
	assert.ErrorAs(t, err, &cascade)

	// Nothing was lost.
	got, err := mem.Obligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	instances, err := mem.InstancesByObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 2, "partial deletion is not an acceptable outcome")
}

// failDeleteStore makes the obligation-row delete fail inside transactions.
type failDeleteStore struct {
	*store.TxMemory
}

var errDiskFull = errors.New("disk full")

func (f *failDeleteStore) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s engine.Store) error {
		return fn(&failDeleteView{Store: s})
	})
}

type failDeleteView struct {
	engine.Store
}

func (f *failDeleteView) DeleteObligation(context.Context, engine.ObligationID) error {
	return errDiskFull
}
