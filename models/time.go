package models

import "time"

// TimeLayout is the canonical timestamp format for all persisted rows:
// RFC 3339 UTC with fixed nanosecond width, so string comparison in SQL
// equals chronological comparison.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Now returns the current UTC time in TimeLayout.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp, falling back to plain RFC 3339
// for rows written by older builds.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
