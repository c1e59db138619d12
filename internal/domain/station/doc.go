// Package station contains the core domain type for station metadata
// reconciliation.
//
// It defines Record, the (metadata file name, last modified time) pair that
// is read from storage and extracted from the remote listing.
package station
