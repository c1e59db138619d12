package reconcile

import "strings"

// Matcher reports whether an observed station name refers to a persisted one.
type Matcher func(observed, persisted string) bool

// Substring matches when observed contains persisted. Empty persisted names never match.
func Substring(observed, persisted string) bool {
	return persisted != "" && strings.Contains(observed, persisted)
}

// Exact matches identical names only.
func Exact(observed, persisted string) bool {
	return observed == persisted
}
