package pipeline

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bike-counts/internal/models"
)

// dailySeries builds consecutive calendar days starting at start
func dailySeries(start time.Time, totals []int64) []models.DailyTotal {
	out := make([]models.DailyTotal, len(totals))
	for i, total := range totals {
		d := start.AddDate(0, 0, i)
		out[i] = models.DailyTotal{
			LocationSlug: "spokane-street-bridge",
			Year:         d.Year(),
			DayOfYear:    d.YearDay(),
			Total:        total,
			Weekday:      MondayFirst(d.Weekday()),
			WeekdayName:  d.Weekday().String(),
			DayOfMonth:   d.Day(),
			Month:        int(d.Month()),
			Date:         d,
		}
	}
	return out
}

func TestMonthRollups_SumAndMean(t *testing.T) {
	daily := dailySeries(time.Date(2018, 3, 5, 0, 0, 0, 0, time.UTC), []int64{10, 20, 30})

	rollups := MonthRollups(daily)
	require.Len(t, rollups, 1)

	r := rollups[0]
	assert.Equal(t, 3, r.Month)
	assert.Equal(t, 2018, r.Year)
	assert.Equal(t, "March", r.MonthName)
	assert.Equal(t, int64(60), r.Sum)
	assert.Equal(t, 20.0, r.Mean)
	assert.Equal(t, 3, r.Days)
	assert.Equal(t, "spokane-street-bridge", r.LocationSlug)
}

func TestMonthRollups_OrderedByMonthThenYear(t *testing.T) {
	daily := append(
		dailySeries(time.Date(2019, 1, 30, 0, 0, 0, 0, time.UTC), []int64{1, 2, 3}),
		dailySeries(time.Date(2018, 1, 31, 0, 0, 0, 0, time.UTC), []int64{4, 5})...,
	)

	rollups := MonthRollups(daily)
	require.Len(t, rollups, 4)

	var keys [][2]int
	for _, r := range rollups {
		keys = append(keys, [2]int{r.Month, r.Year})
	}
	assert.Equal(t, [][2]int{{1, 2018}, {1, 2019}, {2, 2018}, {2, 2019}}, keys)
}

func TestWeekdayRollups_MeanAndStdDev(t *testing.T) {
	// three Mondays and one Tuesday in 2018
	daily := []models.DailyTotal{
		{Year: 2018, DayOfYear: 1, Weekday: 0, WeekdayName: "Monday", Total: 10},
		{Year: 2018, DayOfYear: 8, Weekday: 0, WeekdayName: "Monday", Total: 20},
		{Year: 2018, DayOfYear: 15, Weekday: 0, WeekdayName: "Monday", Total: 30},
		{Year: 2018, DayOfYear: 2, Weekday: 1, WeekdayName: "Tuesday", Total: 12},
		{Year: 2017, DayOfYear: 2, Weekday: 0, WeekdayName: "Monday", Total: 5},
		{Year: 2017, DayOfYear: 9, Weekday: 0, WeekdayName: "Monday", Total: 7},
	}

	rollups := WeekdayRollups(daily)
	require.Len(t, rollups, 3)

	monday2017, monday2018, tuesday := rollups[0], rollups[1], rollups[2]

	assert.Equal(t, 2017, monday2017.Year)
	assert.Equal(t, 6.0, monday2017.Mean)
	require.NotNil(t, monday2017.StdDev)
	assert.InDelta(t, 1.41421356, *monday2017.StdDev, 1e-6)

	assert.Equal(t, 2018, monday2018.Year)
	assert.Equal(t, "Monday", monday2018.WeekdayName)
	assert.Equal(t, 20.0, monday2018.Mean)
	require.NotNil(t, monday2018.StdDev)
	assert.InDelta(t, 10.0, *monday2018.StdDev, 1e-9)
	assert.Equal(t, 3, monday2018.Days)

	assert.Equal(t, 1, tuesday.Weekday)
	assert.Equal(t, 12.0, tuesday.Mean)
	assert.Nil(t, tuesday.StdDev, "single-day group has no sample std-dev")
}

func TestRollingYearly_WindowBoundary(t *testing.T) {
	totals := make([]int64, 400)
	for i := range totals {
		totals[i] = int64(i + 1)
	}
	daily := dailySeries(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), totals)

	rolling := RollingYearly(daily)
	require.Len(t, rolling, 400)

	for i := 0; i < RollingWindow-1; i++ {
		assert.Nil(t, rolling[i].Total, "row %d", i+1)
	}

	require.NotNil(t, rolling[364].Total)
	assert.Equal(t, int64(365*366/2), *rolling[364].Total, "sum of rows 1..365")

	require.NotNil(t, rolling[365].Total)
	assert.Equal(t, int64(365*366/2-1+366), *rolling[365].Total, "sum of rows 2..366")

	last := rolling[399]
	assert.Equal(t, 2016, last.Year)
	assert.Equal(t, daily[399].Date, last.Date)
}

func TestRollingYearly_SortsChronologically(t *testing.T) {
	totals := make([]int64, 366)
	for i := range totals {
		totals[i] = 1
	}
	totals[0] = 1000
	daily := dailySeries(time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC), totals)

	shuffled := append([]models.DailyTotal(nil), daily...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	rolling := RollingYearly(shuffled)
	require.NotNil(t, rolling[364].Total)
	assert.Equal(t, int64(1000+364), *rolling[364].Total)
	assert.Equal(t, int64(365), *rolling[365].Total, "first day left the window")
}

func TestRollingYearly_ShortSeries(t *testing.T) {
	daily := dailySeries(time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), []int64{1, 2, 3})
	for _, r := range RollingYearly(daily) {
		assert.Nil(t, r.Total)
	}
}

func TestBuildRollups_MatchesIndividualStages(t *testing.T) {
	totals := make([]int64, 500)
	for i := range totals {
		totals[i] = int64(i % 17)
	}
	daily := dailySeries(time.Date(2016, 2, 1, 0, 0, 0, 0, time.UTC), totals)

	rollups, err := BuildRollups(context.Background(), daily)
	require.NoError(t, err)

	assert.Equal(t, WeekdayRollups(daily), rollups.Weekday)
	assert.Equal(t, MonthRollups(daily), rollups.Month)
	assert.Equal(t, RollingYearly(daily), rollups.Rolling)
}

func TestBuildRollups_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := BuildRollups(ctx, dailySeries(time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), []int64{1}))
	assert.ErrorIs(t, err, context.Canceled)
}
