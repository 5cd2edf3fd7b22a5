package pipeline

import (
	"sort"

	"bike-counts/internal/models"
)

// HistoryPolicy decides what happens to a broken day with an empty pool
type HistoryPolicy string

const (
	// LeaveZero keeps the zero and reports the day as unrepaired
	LeaveZero HistoryPolicy = "zero"
	// FailOnMissingHistory aborts with InsufficientHistoryError
	FailOnMissingHistory HistoryPolicy = "fail"
)

// RepairPolicy configures the gap repair engine
type RepairPolicy struct {
	Location              string
	OnInsufficientHistory HistoryPolicy
}

// DayRepair records the decision taken for one broken day
type DayRepair struct {
	Year        int     `json:"year"`
	DayOfYear   int     `json:"day_of_year"`
	Weekday     int     `json:"weekday"`
	Pool        []int64 `json:"pool"`
	Replacement int64   `json:"replacement"`
}

// RepairReport summarizes a repair pass
type RepairReport struct {
	Broken     int         `json:"broken"`
	Repaired   []DayRepair `json:"repaired"`
	Unrepaired []DayRepair `json:"unrepaired"`
}

// RepairBrokenDays replaces zero-total days with the median total of the
// nearest same-weekday day in every earlier year. Broken days are handled in
// chronological order, so an earlier repaired day can feed a later pool.
// Only Total is touched; the input slice is left unchanged.
func RepairBrokenDays(daily []models.DailyTotal, policy RepairPolicy) ([]models.DailyTotal, *RepairReport, error) {
	out := make([]models.DailyTotal, len(daily))
	for i, d := range daily {
		d.Channels = d.Channels.Clone()
		out[i] = d
	}
	sortDaily(out)

	type yearWeekday struct{ year, weekday int }
	byYearWeekday := make(map[yearWeekday][]int)
	var years []int
	for i, d := range out {
		k := yearWeekday{d.Year, d.Weekday}
		if !containsInt(years, d.Year) {
			years = append(years, d.Year)
		}
		byYearWeekday[k] = append(byYearWeekday[k], i)
	}
	sort.Ints(years)

	report := &RepairReport{}

	for i := range out {
		day := &out[i]
		if day.Total != 0 {
			continue
		}
		report.Broken++

		var pool []int64
		for _, y := range years {
			if y >= day.Year {
				break
			}
			for _, j := range nearestSameWeekday(out, byYearWeekday[yearWeekday{y, day.Weekday}], day.DayOfYear) {
				pool = append(pool, out[j].Total)
			}
		}

		decision := DayRepair{
			Year:      day.Year,
			DayOfYear: day.DayOfYear,
			Weekday:   day.Weekday,
			Pool:      pool,
		}

		median, ok := IntMedian(pool)
		if !ok {
			if policy.OnInsufficientHistory == FailOnMissingHistory {
				return nil, nil, &models.InsufficientHistoryError{
					Location:  policy.Location,
					Year:      day.Year,
					DayOfYear: day.DayOfYear,
				}
			}
			report.Unrepaired = append(report.Unrepaired, decision)
			continue
		}

		day.Total = median
		day.Repaired = true
		decision.Replacement = median
		report.Repaired = append(report.Repaired, decision)
	}

	return out, report, nil
}

// nearestSameWeekday returns every candidate whose day_of_year is closest to doy
func nearestSameWeekday(days []models.DailyTotal, candidates []int, doy int) []int {
	best := -1
	var nearest []int
	for _, j := range candidates {
		dist := days[j].DayOfYear - doy
		if dist < 0 {
			dist = -dist
		}
		switch {
		case best < 0 || dist < best:
			best = dist
			nearest = append(nearest[:0], j)
		case dist == best:
			nearest = append(nearest, j)
		}
	}
	return nearest
}

// IntMedian returns the median of values. For an even count it is the floor
// of the mean of the two middle values. ok is false for an empty slice.
func IntMedian(values []int64) (median int64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	// counts are non-negative, so truncation is the floor
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func sortDaily(daily []models.DailyTotal) {
	sort.SliceStable(daily, func(i, j int) bool {
		return daily[i].Key().Less(daily[j].Key())
	})
}
