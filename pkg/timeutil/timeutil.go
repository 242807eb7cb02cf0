// Package timeutil normalizes human time input into absolute instants
// in the configured display location. It is used only at the HTTP
// boundary; the transfer engine deals exclusively in time.Time.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// DefaultLocationName is the fallback display timezone.
const DefaultLocationName = "America/Chicago"

// dateless layouts carry only a clock time and are combined with the
// reference date.
var datelessLayouts = []string{
	"15:04",
	"3:04 PM",
	"3PM",
	"15",
}

var datedLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"01/02/2006 15:04",
}

// yearlessLayout carries month and day but no year; the year comes from
// the reference instant.
const yearlessLayout = "01/02 15:04"

// Parse interprets input as an instant in loc. Dateless inputs ("14:30",
// "2:30 PM", "3PM") are placed on the reference date; "06/15 14:30"
// borrows the reference year. Returns an error when no layout matches.
func Parse(input string, ref time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time input")
	}
	upper := strings.ToUpper(s)
	ref = ref.In(loc)

	for _, layout := range datedLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	if t, err := time.ParseInLocation("2006/"+yearlessLayout, fmt.Sprintf("%d/%s", ref.Year(), s), loc); err == nil {
		return t, nil
	}

	for _, layout := range datelessLayouts {
		t, err := time.ParseInLocation(layout, upper, loc)
		if err != nil {
			continue
		}
		return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
	}

	return time.Time{}, fmt.Errorf("could not parse time %q", input)
}

// FormatShort renders an instant for compact listings, e.g.
// "06/15 02:30 PM".
func FormatShort(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("01/02 03:04 PM")
}

// FormatLong renders an instant for status displays, e.g.
// "June 15, 2025 at 02:30 PM CDT".
func FormatLong(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("January 2, 2006 at 03:04 PM MST")
}
