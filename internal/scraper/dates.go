package scraper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	numericDate   = regexp.MustCompile(`(\d{1,2})\s*/\s*(\d{1,2})`)
	dayMonthName  = regexp.MustCompile(`(?i)\b(\d{1,2})\s+([a-z]{3})[a-z]*\b`)
	monthNameDay  = regexp.MustCompile(`(?i)\b([a-z]{3})[a-z]*\s+(\d{1,2})\b`)
	clockTime     = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	monthsByShort = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
		"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// ResolveDate turns a day/month label into a calendar date in now's location.
// The current year is assumed; dates already before today roll into next year.
func ResolveDate(label string, now time.Time) (time.Time, error) {
	label = strings.TrimSpace(label)
	lower := strings.ToLower(label)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch {
	case strings.Contains(lower, "today"):
		return today, nil
	case strings.Contains(lower, "tomorrow"):
		return today.AddDate(0, 0, 1), nil
	}

	day, month, err := parseDayMonth(label)
	if err != nil {
		return time.Time{}, err
	}
	date, ok := calendarDate(now.Year(), month, day, now.Location())
	if ok && !date.Before(today) {
		return date, nil
	}
	if next, nextOK := calendarDate(now.Year()+1, month, day, now.Location()); nextOK {
		return next, nil
	}
	return time.Time{}, fmt.Errorf("invalid date label %q", label)
}

// calendarDate reports false when day does not exist in month of year.
func calendarDate(year int, month time.Month, day int, loc *time.Location) (time.Time, bool) {
	date := time.Date(year, month, day, 0, 0, 0, 0, loc)
	return date, date.Day() == day && date.Month() == month
}

func parseDayMonth(label string) (int, time.Month, error) {
	if m := numericDate.FindStringSubmatch(label); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 {
			return 0, 0, fmt.Errorf("invalid month in date label %q", label)
		}
		return day, time.Month(month), nil
	}
	if m := dayMonthName.FindStringSubmatch(label); m != nil {
		if month, ok := monthsByShort[strings.ToLower(m[2])]; ok {
			day, _ := strconv.Atoi(m[1])
			return day, month, nil
		}
	}
	if m := monthNameDay.FindStringSubmatch(label); m != nil {
		if month, ok := monthsByShort[strings.ToLower(m[1])]; ok {
			day, _ := strconv.Atoi(m[2])
			return day, month, nil
		}
	}
	return 0, 0, fmt.Errorf("unrecognized date label %q", label)
}

// ParseClockTimes extracts every HH:MM value in s, in order.
func ParseClockTimes(s string) []string {
	matches := clockTime.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		hour, _ := strconv.Atoi(m[1])
		out = append(out, fmt.Sprintf("%02d:%s", hour, m[2]))
	}
	return out
}

// CombineDateTime joins a resolved date with an HH:MM string.
func CombineDateTime(date time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse showtime %q: %w", hhmm, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), parsed.Hour(), parsed.Minute(), 0, 0, date.Location()), nil
}
