// Package poller runs one SIS poll cycle.
//
// A cycle reads the persisted station snapshot, fetches the listing of every
// configured network, reconciles both sets and writes the delta. A summary of
// written stations is sent to the notification gateway when one is set up.
// Network failures only shrink the observed set; a storage read failure ends
// the cycle before any write.
package poller
