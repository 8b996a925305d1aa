package aggregate

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the format of the day column.
const DayLayout = "2006-01-02"

// offsetLayouts carry an explicit UTC offset or Z.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
}

// naiveLayouts have no offset and are read in the naive location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	DayLayout,
}

// ParseTimestamp parses an ISO-8601 timestamp. A timestamp without an
// explicit offset is interpreted in naive.
func ParseTimestamp(s string, naive *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, naive); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// LocalDay returns the calendar date of ts in loc, formatted as YYYY-MM-DD.
func LocalDay(ts string, loc, naive *time.Location) (string, error) {
	t, err := ParseTimestamp(ts, naive)
	if err != nil {
		return "", err
	}
	return t.In(loc).Format(DayLayout), nil
}
