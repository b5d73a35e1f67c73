package scraper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveDate(t *testing.T) {
	t.Parallel()

	hkt := time.FixedZone("HKT", 8*60*60)
	tests := []struct {
		name  string
		label string
		now   time.Time
		want  time.Time
	}{
		{
			name:  "rolls into next year",
			label: "1/1",
			now:   time.Date(2025, time.December, 31, 22, 0, 0, 0, hkt),
			want:  time.Date(2026, time.January, 1, 0, 0, 0, 0, hkt),
		},
		{
			name:  "today stays in current year",
			label: "31/12 (Wed)",
			now:   time.Date(2025, time.December, 31, 22, 0, 0, 0, hkt),
			want:  time.Date(2025, time.December, 31, 0, 0, 0, 0, hkt),
		},
		{
			name:  "future date same year",
			label: "Sat 18/10",
			now:   time.Date(2026, time.October, 14, 9, 0, 0, 0, hkt),
			want:  time.Date(2026, time.October, 18, 0, 0, 0, 0, hkt),
		},
		{
			name:  "month name",
			label: "3 Jan",
			now:   time.Date(2025, time.December, 30, 9, 0, 0, 0, hkt),
			want:  time.Date(2026, time.January, 3, 0, 0, 0, 0, hkt),
		},
		{
			name:  "month first",
			label: "Oct 20",
			now:   time.Date(2026, time.October, 14, 9, 0, 0, 0, hkt),
			want:  time.Date(2026, time.October, 20, 0, 0, 0, 0, hkt),
		},
		{
			name:  "leap day ahead in next year",
			label: "29/2",
			now:   time.Date(2027, time.December, 20, 9, 0, 0, 0, hkt),
			want:  time.Date(2028, time.February, 29, 0, 0, 0, 0, hkt),
		},
		{
			name:  "leap day later this year",
			label: "29/2",
			now:   time.Date(2028, time.January, 10, 9, 0, 0, 0, hkt),
			want:  time.Date(2028, time.February, 29, 0, 0, 0, 0, hkt),
		},
		{
			name:  "today keyword",
			label: "Today",
			now:   time.Date(2026, time.October, 14, 9, 0, 0, 0, hkt),
			want:  time.Date(2026, time.October, 14, 0, 0, 0, 0, hkt),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveDate(tc.label, tc.now)
			require.NoError(t, err)
			require.True(t, tc.want.Equal(got), "want %v got %v", tc.want, got)
		})
	}
}

func TestResolveDateRejectsGarbage(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.October, 14, 9, 0, 0, 0, time.UTC)
	for _, label := range []string{"", "soon", "32/1", "12/13", "31/2"} {
		_, err := ResolveDate(label, now)
		require.Error(t, err, "label %q", label)
	}
}

func TestParseClockTimes(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"09:30", "14:05", "23:59"}, ParseClockTimes("9:30 14:05\n23:59 24:00"))
	require.Empty(t, ParseClockTimes("sold out"))
}

func TestCombineDateTime(t *testing.T) {
	t.Parallel()

	hkt := time.FixedZone("HKT", 8*60*60)
	date := time.Date(2026, time.October, 18, 0, 0, 0, 0, hkt)
	got, err := CombineDateTime(date, "19:45")
	require.NoError(t, err)
	require.Equal(t, "2026-10-18T19:45:00+08:00", got.Format(time.RFC3339))

	_, err = CombineDateTime(date, "7pm")
	require.Error(t, err)
}

func TestResolveDatePastLeapDayHasNoNextOccurrence(t *testing.T) {
	t.Parallel()

	_, err := ResolveDate("29/2", time.Date(2028, time.March, 5, 9, 0, 0, 0, time.UTC))
	require.ErrorContains(t, err, "invalid date label")
}
