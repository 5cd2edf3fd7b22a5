package models

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounts_ValueScan(t *testing.T) {
	tests := []struct {
		name string
		src  interface{}
		want Counts
	}{
		{name: "bytes", src: []byte(`{"east":3,"west":4}`), want: Counts{"east": 3, "west": 4}},
		{name: "string", src: `{"nb":1}`, want: Counts{"nb": 1}},
		{name: "nil", src: nil, want: Counts{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Counts
			require.NoError(t, c.Scan(tt.src))
			assert.Equal(t, tt.want, c)
		})
	}

	t.Run("unsupported type", func(t *testing.T) {
		var c Counts
		assert.Error(t, c.Scan(42))
	})

	t.Run("value round trip", func(t *testing.T) {
		v, err := Counts{"east": 7}.Value()
		require.NoError(t, err)

		var c Counts
		require.NoError(t, c.Scan(v))
		assert.Equal(t, Counts{"east": 7}, c)
	})
}

func TestCounts_CloneIsIndependent(t *testing.T) {
	orig := Counts{"east": 1}
	clone := orig.Clone()
	clone["east"] = 99

	assert.Equal(t, int64(1), orig["east"])
}

func TestDayKey_Less(t *testing.T) {
	assert.True(t, DayKey{Year: 2017, DayOfYear: 365}.Less(DayKey{Year: 2018, DayOfYear: 1}))
	assert.True(t, DayKey{Year: 2018, DayOfYear: 3}.Less(DayKey{Year: 2018, DayOfYear: 4}))
	assert.False(t, DayKey{Year: 2018, DayOfYear: 4}.Less(DayKey{Year: 2018, DayOfYear: 4}))
}

func TestWeekdayRollup_StdDevOrNaN(t *testing.T) {
	assert.True(t, math.IsNaN(WeekdayRollup{}.StdDevOrNaN()))

	sd := 2.5
	assert.Equal(t, 2.5, WeekdayRollup{StdDev: &sd}.StdDevOrNaN())
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Spokane Street Bridge":   "spokane-street-bridge",
		"  Fremont Bridge  ":      "fremont-bridge",
		"2nd Ave / Marion St":     "2nd-ave-marion-st",
		"already-a-slug":          "already-a-slug",
		"Trailing punctuation!!!": "trailing-punctuation",
	}

	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestLocation_Ignores(t *testing.T) {
	loc := Location{IgnoreFields: []string{"notes"}}

	assert.True(t, loc.Ignores(":@computed_region_ru88_fbhk"))
	assert.True(t, loc.Ignores("notes"))
	assert.False(t, loc.Ignores("east"))
}

func TestLocationRegistry_Lookup(t *testing.T) {
	reg := NewLocationRegistry(
		Location{Name: "Spokane Street Bridge", DatasetID: "upms-nr8w"},
		Location{Name: "Fremont Bridge", Slug: "fremont", DatasetID: "old"},
		Location{Name: "Fremont Bridge", Slug: "fremont", DatasetID: "new"},
	)

	loc, err := reg.Lookup("spokane-street-bridge")
	require.NoError(t, err)
	assert.Equal(t, "upms-nr8w", loc.DatasetID)

	loc, err = reg.Lookup("Spokane Street Bridge")
	require.NoError(t, err)
	assert.Equal(t, "spokane-street-bridge", loc.Slug)

	loc, err = reg.Lookup("fremont")
	require.NoError(t, err)
	assert.Equal(t, "new", loc.DatasetID, "later registration wins")

	assert.Len(t, reg.All(), 2)

	_, err = reg.Lookup("burke-gilman")
	var unknown *UnknownLocationError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "burke-gilman", unknown.Name)
}

func TestLocation_TZ(t *testing.T) {
	_, err := Location{Slug: "x", TimeZone: "Not/AZone"}.TZ()
	assert.Error(t, err)

	tz, err := Location{Slug: "x", TimeZone: "UTC"}.TZ()
	require.NoError(t, err)
	assert.Equal(t, "UTC", tz.String())
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       interface{ IsTransient() bool }
		transient bool
		contains  string
	}{
		{
			name:     "malformed with record",
			err:      &MalformedInputError{Location: "spokane", Record: 3, Field: "date", Value: "x", Message: "bad timestamp"},
			contains: `record 3 field "date"`,
		},
		{
			name:     "malformed batch level",
			err:      &MalformedInputError{Location: "spokane", Record: -1, Message: "total field missing"},
			contains: "total field missing",
		},
		{name: "empty", err: &EmptyInputError{Location: "spokane"}, transient: true, contains: "no raw records"},
		{name: "history", err: &InsufficientHistoryError{Location: "spokane", Year: 2014, DayOfYear: 9}, contains: "2014"},
		{name: "unknown", err: &UnknownLocationError{Name: "nowhere"}, contains: "nowhere"},
		{name: "validation", err: &ValidationError{Field: "year", Message: "invalid year"}, contains: "invalid year"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, tt.err.IsTransient())
			assert.Contains(t, fmt.Sprint(tt.err), tt.contains)
		})
	}
}
