package filter

import (
	"fmt"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseBound parses a command line date bound in local time. A bare date
// (2006-01-02) covers the whole day: the start of it for a lower bound and
// its last nanosecond for an upper bound. Empty input yields the zero time.
func ParseBound(value string, upper bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}

	if day, err := time.ParseInLocation("2006-01-02", value, time.Local); err == nil {
		if upper {
			return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return day, nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q (want YYYY-MM-DD or RFC 3339)", value)
}
