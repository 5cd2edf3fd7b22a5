package pipeline

import (
	"time"

	"bike-counts/internal/models"
)

// AggregateDaily sums hourly readings into one row per (year, day_of_year).
// Calendar metadata comes from the first reading of each day. Days absent
// from the hourly table are not synthesized.
func AggregateDaily(hourly []models.HourlyReading) []models.DailyTotal {
	index := make(map[models.DayKey]int)
	daily := make([]models.DailyTotal, 0, len(hourly)/24+1)

	for _, h := range hourly {
		key := models.DayKey{Year: h.Year, DayOfYear: h.DayOfYear}

		idx, ok := index[key]
		if !ok {
			idx = len(daily)
			index[key] = idx
			daily = append(daily, models.DailyTotal{
				LocationSlug:        h.LocationSlug,
				Year:                h.Year,
				DayOfYear:           h.DayOfYear,
				Channels:            models.Counts{},
				Weekday:             h.Weekday,
				WeekdayName:         h.WeekdayName,
				DayOfMonth:          h.DayOfMonth,
				Month:               h.Month,
				Date:                time.Date(h.Year, time.Month(h.Month), h.DayOfMonth, 0, 0, 0, 0, h.Timestamp.Location()),
				DayOfYearFractional: h.DayOfYearFractional,
			})
		}

		d := &daily[idx]
		d.Total += h.Total
		for ch, v := range h.Channels {
			d.Channels[ch] += v
		}
	}

	sortDaily(daily)
	return daily
}
