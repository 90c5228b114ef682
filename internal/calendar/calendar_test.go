package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSessionsSkipWeekendsAndHolidays(t *testing.T) {
	cal, err := Get("xshg")
	require.NoError(t, err)

	sessions := cal.Sessions(date(2024, 9, 27), date(2024, 10, 9))
	assert.Equal(t, []time.Time{
		date(2024, 9, 27),
		date(2024, 9, 30),
		date(2024, 10, 8),
		date(2024, 10, 9),
	}, sessions)
}

func TestSessionsAreDeterministic(t *testing.T) {
	cal, err := Get("XSHE")
	require.NoError(t, err)

	a := cal.Sessions(date(2025, 1, 1), date(2025, 3, 1))
	b := cal.Sessions(date(2025, 1, 1), date(2025, 3, 1))
	assert.Equal(t, a, b)
	assert.NotContains(t, a, date(2025, 1, 29))
	assert.Contains(t, a, date(2025, 2, 5))
}

func TestSessionsEmptyRanges(t *testing.T) {
	cal, err := Get("WEEKDAYS")
	require.NoError(t, err)

	assert.Empty(t, cal.Sessions(date(2024, 1, 5), date(2024, 1, 1)))
	assert.Empty(t, cal.Sessions(date(2024, 1, 6), date(2024, 1, 7)))
	assert.Empty(t, cal.Sessions(time.Time{}, date(2024, 1, 7)))
	assert.Len(t, cal.Sessions(date(2024, 1, 1), date(2024, 1, 1)), 1)
}

func TestSessionsIgnoreTimeOfDay(t *testing.T) {
	cal, err := Get("WEEKDAYS")
	require.NoError(t, err)

	start := time.Date(2024, 1, 2, 23, 59, 0, 0, time.UTC)
	got := cal.Sessions(start, start.Add(48*time.Hour))
	assert.Equal(t, []time.Time{date(2024, 1, 2), date(2024, 1, 3), date(2024, 1, 4)}, got)
}

func TestUnknownCalendar(t *testing.T) {
	_, err := Get("NYSE")
	assert.Error(t, err)
	assert.Equal(t, []string{"WEEKDAYS", "XSHE", "XSHG"}, Names())
}

func TestToday(t *testing.T) {
	cal, err := Get("XSHG")
	require.NoError(t, err)

	now := time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, date(2024, 3, 5), cal.Today(now))
}

func TestSessionsSkipClosuresAcrossCoveredYears(t *testing.T) {
	cal, err := Get("XSHG")
	require.NoError(t, err)

	spring := cal.Sessions(date(2026, 2, 13), date(2026, 2, 24))
	assert.Equal(t, []time.Time{date(2026, 2, 13), date(2026, 2, 24)}, spring)

	national := cal.Sessions(date(2026, 9, 30), date(2026, 10, 9))
	assert.Equal(t, []time.Time{date(2026, 9, 30), date(2026, 10, 8), date(2026, 10, 9)}, national)

	old := cal.Sessions(date(2022, 9, 30), date(2022, 10, 10))
	assert.Equal(t, []time.Time{date(2022, 9, 30), date(2022, 10, 10)}, old)
}

func TestCovers(t *testing.T) {
	cal, err := Get("XSHE")
	require.NoError(t, err)

	first, last := cal.Years()
	assert.Equal(t, 2019, first)
	assert.Equal(t, 2026, last)
	assert.True(t, cal.Covers(date(2019, 1, 2), date(2026, 12, 31)))
	assert.False(t, cal.Covers(date(2018, 12, 28), date(2019, 1, 10)))
	assert.False(t, cal.Covers(date(2026, 12, 1), date(2027, 1, 10)))

	weekdays, err := Get("WEEKDAYS")
	require.NoError(t, err)
	assert.True(t, weekdays.Covers(date(1990, 1, 1), date(2090, 1, 1)))
}

func TestParseRejectsHolidayOutsideYears(t *testing.T) {
	_, err := parseCalendars([]byte(`
calendars:
  X:
    timezone: UTC
    first_year: 2024
    last_year: 2024
    holidays: [2025-01-01]
`))
	assert.Error(t, err)
}
