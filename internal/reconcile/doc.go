// Package reconcile computes which observed station records must be created
// or updated relative to the persisted set.
//
// Identity between the two sets is decided by a Matcher. The default,
// Substring, treats an observed name as the same station when it contains
// the persisted name, so "UU_ALP.xml" matches a stored "ALP". The functions
// are pure and safe to call concurrently.
package reconcile
