package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// PERIOD ORDERING AND ARITHMETIC
// =============================================================================

func TestPeriod_Ordering(t *testing.T) {
	jan := engine.NewPeriod(time.January, 2025)
	feb := engine.NewPeriod(time.February, 2025)
	dec24 := engine.NewPeriod(time.December, 2024)

	assert.True(t, jan.Before(feb))
	assert.True(t, dec24.Before(jan), "earlier year wins regardless of month")
	assert.True(t, feb.After(jan))
	assert.True(t, jan.Equal(engine.NewPeriod(time.January, 2025)))
	assert.True(t, jan.BeforeOrEqual(jan))
}

func TestPeriod_NextMonth_YearRollover(t *testing.T) {
	dec := engine.NewPeriod(time.December, 2024)
	next := dec.NextMonth()

	assert.Equal(t, time.January, next.Month)
	assert.Equal(t, 2025, next.Year)
}

func TestPeriod_FirstDay_IsAlwaysDayOne(t *testing.T) {
	// Every anchor must be day 1, midnight UTC - calendar construction,
	// never clock arithmetic.
	for year := 2024; year <= 2026; year++ {
		for m := time.January; m <= time.December; m++ {
			d := engine.NewPeriod(m, year).FirstDay()
			assert.Equal(t, 1, d.Day(), "period %04d-%02d", year, m)
			assert.Equal(t, time.UTC, d.Location())
			assert.Equal(t, 0, d.Hour())
		}
	}
}

func TestPeriodOf_TimezoneStable(t *testing.T) {
	// GIVEN: The same moment expressed in a UTC-13 zone, where the local
	//        calendar still says Jan 31 while UTC says Feb 1
	// THEN:  The period is determined by the UTC calendar
	loc := time.FixedZone("west", -13*60*60)
	utcFeb1 := time.Date(2025, time.February, 1, 2, 0, 0, 0, time.UTC)

	p := engine.PeriodOf(utcFeb1.In(loc))
	assert.Equal(t, engine.NewPeriod(time.February, 2025), p)
}

func TestParsePeriod_RoundTrip(t *testing.T) {
	p := engine.NewPeriod(time.March, 2025)

	parsed, err := engine.ParsePeriod(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = engine.ParsePeriod("2025-3")
	assert.Error(t, err, "month must be zero-padded")
	_, err = engine.ParsePeriod("march 2025")
	assert.Error(t, err)
}

// =============================================================================
// PERIODS DUE
// =============================================================================

func TestPeriodsDue_Monthly_FullYear(t *testing.T) {
	// GIVEN: A monthly cadence starting Jan 1, 2025
	// WHEN:  Expanding up to Dec 15, 2025
	// THEN:  Exactly 12 periods, strictly increasing, no duplicates
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	asOf := time.Date(2025, time.December, 15, 0, 0, 0, 0, time.UTC)

	due, err := engine.PeriodsDue(start, nil, engine.FrequencyMonthly, asOf)
	require.NoError(t, err)
	require.Len(t, due, 12)

	assert.Equal(t, engine.NewPeriod(time.January, 2025), due[0])
	assert.Equal(t, engine.NewPeriod(time.December, 2025), due[11])
	for i := 1; i < len(due); i++ {
		assert.True(t, due[i-1].Before(due[i]), "output must be strictly increasing")
	}
}

func TestPeriodsDue_Monthly_AcrossYearBoundary(t *testing.T) {
	start := time.Date(2024, time.November, 1, 0, 0, 0, 0, time.UTC)
	asOf := time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC)

	due, err := engine.PeriodsDue(start, nil, engine.FrequencyMonthly, asOf)
	require.NoError(t, err)

	assert.Equal(t, []engine.Period{
		engine.NewPeriod(time.November, 2024),
		engine.NewPeriod(time.December, 2024),
		engine.NewPeriod(time.January, 2025),
		engine.NewPeriod(time.February, 2025),
	}, due)
}

func TestPeriodsDue_Yearly_AnchoredToStartMonth(t *testing.T) {
	// GIVEN: A yearly cadence starting March 2023
	// WHEN:  Expanding up to June 2025
	// THEN:  One period per year, all in March
	start := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	asOf := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	due, err := engine.PeriodsDue(start, nil, engine.FrequencyYearly, asOf)
	require.NoError(t, err)

	assert.Equal(t, []engine.Period{
		engine.NewPeriod(time.March, 2023),
		engine.NewPeriod(time.March, 2024),
		engine.NewPeriod(time.March, 2025),
	}, due)
}

func TestPeriodsDue_StartInFuture_Empty(t *testing.T) {
	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	asOf := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	due, err := engine.PeriodsDue(start, nil, engine.FrequencyMonthly, asOf)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPeriodsDue_EndBoundaryClipsBeforeAsOf(t *testing.T) {
	// GIVEN: An obligation terminated after March 2025
	// WHEN:  Expanding with a cutoff months later
	// THEN:  Nothing past the boundary appears
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := engine.NewPeriod(time.March, 2025)
	asOf := time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC)

	due, err := engine.PeriodsDue(start, &end, engine.FrequencyMonthly, asOf)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, end, due[2])
}

func TestPeriodsDue_AsOfClipsBeforeEndBoundary(t *testing.T) {
	// The bound is min(asOf period, end boundary), whichever comes first.
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := engine.NewPeriod(time.December, 2025)
	asOf := time.Date(2025, time.February, 20, 0, 0, 0, 0, time.UTC)

	due, err := engine.PeriodsDue(start, &end, engine.FrequencyMonthly, asOf)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestPeriodsDue_UnknownFrequency_Rejected(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	_, err := engine.PeriodsDue(start, nil, engine.Frequency("weekly"), start)
	assert.Error(t, err)
}

// =============================================================================
// INSTANCE DATE
// =============================================================================

func TestInstanceDate_FirstDayOfPeriod(t *testing.T) {
	o := engine.Obligation{
		StartDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	p := engine.NewPeriod(time.March, 2025)

	assert.Equal(t, p.FirstDay(), engine.InstanceDate(o, p))
}

func TestInstanceDate_LegacyMidMonthStart_KeepsDay(t *testing.T) {
	// GIVEN: A stored obligation predating start-date normalization,
	//        starting Jan 15
	// THEN:  The January instance keeps the 15th; later periods use day 1
	o := engine.Obligation{
		StartDate: time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC),
	}

	jan := engine.NewPeriod(time.January, 2025)
	feb := engine.NewPeriod(time.February, 2025)

	assert.Equal(t, 15, engine.InstanceDate(o, jan).Day())
	assert.Equal(t, 1, engine.InstanceDate(o, feb).Day())
}
