package listing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrMalformedTimestamp is returned when a last modified stamp cannot be resolved.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

const (
	// ReferenceTimestamp and ReferenceEpoch form the golden vector checked at startup.
	ReferenceTimestamp = "2023-05-30 09:29"
	ReferenceEpoch     = int64(1685438940)
)

// timestampPattern matches "YYYY-M-D H:MM" with one or two digit fields after the year.
var timestampPattern = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})\s+(\d{1,2}):(\d{1,2})$`)

// ParseTimestamp converts a listing stamp, read as UTC, to seconds since the Unix epoch.
// Seconds are always zero. Dates that do not exist on the calendar are rejected.
func ParseTimestamp(text string) (int64, error) {
	match := timestampPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("%q: %w", text, ErrMalformedTimestamp)
	}

	fields := make([]int, 0, len(match)-1)

	for _, raw := range match[1:] {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", text, ErrMalformedTimestamp)
		}

		fields = append(fields, value)
	}

	year, month, day, hour, minute := fields[0], fields[1], fields[2], fields[3], fields[4]

	if month < 1 || month > 12 || hour > 23 || minute > 59 {
		return 0, fmt.Errorf("%q: field out of range: %w", text, ErrMalformedTimestamp)
	}

	resolved := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)

	// time.Date normalizes overflow such as April 31, so a changed day means no such date.
	if resolved.Day() != day || int(resolved.Month()) != month {
		return 0, fmt.Errorf("%q: no such date: %w", text, ErrMalformedTimestamp)
	}

	return resolved.Unix(), nil
}

// CheckReferenceVector verifies that ParseTimestamp resolves the golden vector.
func CheckReferenceVector() error {
	got, err := ParseTimestamp(ReferenceTimestamp)
	if err != nil {
		return fmt.Errorf("parse reference timestamp: %w", err)
	}

	if got != ReferenceEpoch {
		return fmt.Errorf("reference timestamp %q resolved to %d, want %d", ReferenceTimestamp, got, ReferenceEpoch)
	}

	return nil
}
