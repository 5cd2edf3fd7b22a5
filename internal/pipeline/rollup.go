package pipeline

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"bike-counts/internal/models"
)

// RollingWindow is the number of chronologically ordered daily rows summed by
// RollingYearly. Leap years are not special-cased.
const RollingWindow = 365

// Rollups holds the three derived tables
type Rollups struct {
	Weekday []models.WeekdayRollup
	Month   []models.MonthRollup
	Rolling []models.RollingYearly
}

// BuildRollups derives the weekday, month and rolling tables concurrently.
// The tables are independent; daily is only read.
func BuildRollups(ctx context.Context, daily []models.DailyTotal) (*Rollups, error) {
	out := &Rollups{}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out.Weekday = WeekdayRollups(daily)
		return nil
	})
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out.Month = MonthRollups(daily)
		return nil
	})
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out.Rolling = RollingYearly(daily)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WeekdayRollups groups by (weekday, year) and reports mean and sample
// standard deviation of the daily total. StdDev is nil for one-day groups.
func WeekdayRollups(daily []models.DailyTotal) []models.WeekdayRollup {
	type key struct{ weekday, year int }
	groups := make(map[key][]float64)
	names := make(map[int]string)
	slug := ""

	for _, d := range daily {
		k := key{d.Weekday, d.Year}
		groups[k] = append(groups[k], float64(d.Total))
		names[d.Weekday] = d.WeekdayName
		slug = d.LocationSlug
	}

	out := make([]models.WeekdayRollup, 0, len(groups))
	for k, values := range groups {
		r := models.WeekdayRollup{
			LocationSlug: slug,
			Weekday:      k.weekday,
			Year:         k.year,
			WeekdayName:  names[k.weekday],
			Mean:         mean(values),
			Days:         len(values),
		}
		if sd, ok := sampleStdDev(values); ok {
			r.StdDev = &sd
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		return out[i].Year < out[j].Year
	})
	return out
}

// MonthRollups groups by (month, year) and reports the sum and mean
func MonthRollups(daily []models.DailyTotal) []models.MonthRollup {
	type key struct{ month, year int }
	type acc struct {
		sum  int64
		days int
	}
	groups := make(map[key]*acc)
	slug := ""

	for _, d := range daily {
		k := key{d.Month, d.Year}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.sum += d.Total
		a.days++
		slug = d.LocationSlug
	}

	out := make([]models.MonthRollup, 0, len(groups))
	for k, a := range groups {
		out = append(out, models.MonthRollup{
			LocationSlug: slug,
			Month:        k.month,
			Year:         k.year,
			MonthName:    time.Month(k.month).String(),
			Sum:          a.sum,
			Mean:         float64(a.sum) / float64(a.days),
			Days:         a.days,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].Year < out[j].Year
	})
	return out
}

// RollingYearly computes, for every day in chronological order, the sum of
// the last RollingWindow rows ending at that day. The first RollingWindow-1
// rows have a nil Total.
func RollingYearly(daily []models.DailyTotal) []models.RollingYearly {
	ordered := append([]models.DailyTotal(nil), daily...)
	sortDaily(ordered)

	out := make([]models.RollingYearly, len(ordered))
	var window int64
	for i, d := range ordered {
		window += d.Total
		if i >= RollingWindow {
			window -= ordered[i-RollingWindow].Total
		}

		out[i] = models.RollingYearly{
			LocationSlug: d.LocationSlug,
			Year:         d.Year,
			DayOfYear:    d.DayOfYear,
			Date:         d.Date,
			Month:        d.Month,
			DayOfMonth:   d.DayOfMonth,
			Weekday:      d.Weekday,
		}
		if i >= RollingWindow-1 {
			sum := window
			out[i].Total = &sum
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStdDev uses the n-1 denominator; undefined below two values
func sampleStdDev(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(values)-1)), true
}
