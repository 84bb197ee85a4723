// Package sast provides civil time handling for the prescription domain.
// All domain timestamps are expressed in a fixed UTC+2 offset (SAST); there
// is no daylight saving to account for.
package sast

import (
	"fmt"
	"time"
)

// Zone is the fixed UTC+2 civil zone used for every domain timestamp.
var Zone = time.FixedZone("SAST", 2*60*60)

// Now returns the current time in the SAST zone.
func Now() time.Time {
	return time.Now().In(Zone)
}

// layouts accepted by Parse, tried in order. Offset-carrying forms first so a
// naive timestamp only falls through to the zone-assuming forms.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse parses an ISO-8601 timestamp. Timezone-naive values are assumed to be
// SAST civil time; offset-carrying values are converted into the SAST zone.
func Parse(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for i, layout := range layouts {
		if i < 2 {
			if t, err := time.Parse(layout, value); err == nil {
				return t.In(Zone), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, Zone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp: %q", value)
}

// Format renders a time as an RFC 3339 string in the SAST zone.
func Format(t time.Time) string {
	return t.In(Zone).Format(time.RFC3339)
}

// FloorDays returns the number of whole days in d, flooring toward negative
// infinity: 36h -> 1, -1h -> -1. Matches the truncation the rest of the
// domain relies on for days-remaining arithmetic.
func FloorDays(d time.Duration) int {
	days := d / (24 * time.Hour)
	if d%(24*time.Hour) < 0 {
		days--
	}
	return int(days)
}

// CeilDays returns the number of whole days in d, rounding up whenever any
// sub-day remainder exists. Negative or zero durations yield zero.
func CeilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	days := d / (24 * time.Hour)
	if d%(24*time.Hour) > 0 {
		days++
	}
	return int(days)
}
