package station

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyStation is returned when a record has no station name.
	ErrEmptyStation = errors.New("station name is empty")
	// ErrNegativeTime is returned when a record time precedes the Unix epoch.
	ErrNegativeTime = errors.New("last modified time is before the Unix epoch")
)

// Record describes one station metadata file.
type Record struct {
	// Station is the metadata file identifier, e.g. "UU_ALP.xml".
	// Persisted names may lack decoration, e.g. "ALP".
	Station string
	// Time is the last modification instant in seconds since the Unix epoch.
	Time int64
}

// New returns a Record for the provided station and epoch seconds.
func New(name string, epochSeconds int64) Record {
	return Record{
		Station: name,
		Time:    epochSeconds,
	}
}

// Validate reports whether the record can take part in reconciliation.
func (r Record) Validate() error {
	if r.Station == "" {
		return ErrEmptyStation
	}

	if r.Time < 0 {
		return fmt.Errorf("%s: %w", r.Station, ErrNegativeTime)
	}

	return nil
}

// LastModified returns Time as a UTC time.Time.
func (r Record) LastModified() time.Time {
	return time.Unix(r.Time, 0).UTC()
}

// String renders the record for logs.
func (r Record) String() string {
	return fmt.Sprintf("%s@%d", r.Station, r.Time)
}

// Names returns station names of the records in order.
func Names(records []Record) []string {
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Station)
	}

	return names
}
