// Package interval derives funding settlement intervals for perpetual
// contracts from whatever timing data a source exposes.
package interval

import (
	"math"
	"strings"
	"time"
)

// MaxHours is the upper bound of a plausible settlement interval.
const MaxHours = 24

// Hours returns the whole-hour distance between two settlement instants,
// round((next - current) / 1h). ok is false when either instant is missing.
// The result is not range checked; see Valid.
func Hours(current, next time.Time) (hours int, ok bool) {
	if current.IsZero() || next.IsZero() {
		return 0, false
	}
	diffMs := next.UnixMilli() - current.UnixMilli()
	return int(math.Round(float64(diffMs) / float64(time.Hour/time.Millisecond))), true
}

// Valid reports whether h lies in (0, MaxHours].
func Valid(h int) bool {
	return h > 0 && h <= MaxHours
}

var textLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// ParseText parses an ISO-8601 style timestamp. Unparseable input yields the
// zero time.
func ParseText(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range textLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
