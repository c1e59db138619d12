package reconcile

import (
	"slices"

	"github.com/uusseis/sis-poller/internal/domain/station"
)

// Reconciler diffs observed records against persisted ones.
type Reconciler struct {
	// match decides station identity between the two sets.
	match Matcher
}

// New returns a Reconciler using match, or Substring when match is nil.
func New(match Matcher) *Reconciler {
	if match == nil {
		match = Substring
	}

	return &Reconciler{
		match: match,
	}
}

// ToCreate returns observed records that match no persisted record, in observed order.
// With nothing persisted, every observed record is returned.
func (r *Reconciler) ToCreate(persisted, observed []station.Record) []station.Record {
	if len(persisted) == 0 {
		return slices.Clone(observed)
	}

	result := make([]station.Record, 0)

	for _, o := range observed {
		if !slices.ContainsFunc(persisted, func(p station.Record) bool { return r.match(o.Station, p.Station) }) {
			result = append(result, o)
		}
	}

	return result
}

// ToUpdate returns observed records strictly newer than at least one matching
// persisted record, in observed order.
func (r *Reconciler) ToUpdate(persisted, observed []station.Record) []station.Record {
	result := make([]station.Record, 0)

	for _, o := range observed {
		newer := slices.ContainsFunc(persisted, func(p station.Record) bool {
			return r.match(o.Station, p.Station) && o.Time > p.Time
		})
		if newer {
			result = append(result, o)
		}
	}

	return result
}

// Ambiguity is an observed record that matches several persisted records.
type Ambiguity struct {
	// Observed is the record taken from the listing.
	Observed station.Record
	// Persisted holds every stored record it matches, in persisted order.
	Persisted []station.Record
}

// Ambiguities lists observed records matched by more than one persisted record.
// ToCreate and ToUpdate do not resolve these cases; callers decide how to surface them.
func (r *Reconciler) Ambiguities(persisted, observed []station.Record) []Ambiguity {
	var result []Ambiguity

	for _, o := range observed {
		var matches []station.Record

		for _, p := range persisted {
			if r.match(o.Station, p.Station) {
				matches = append(matches, p)
			}
		}

		if len(matches) > 1 {
			result = append(result, Ambiguity{Observed: o, Persisted: matches})
		}
	}

	return result
}

// defaultReconciler uses the Substring policy.
//
//nolint:gochecknoglobals // Stateless and read-only.
var defaultReconciler = New(Substring)

// StationsToCreate runs ToCreate with the Substring policy.
func StationsToCreate(persisted, observed []station.Record) []station.Record {
	return defaultReconciler.ToCreate(persisted, observed)
}

// StationsToUpdate runs ToUpdate with the Substring policy.
func StationsToUpdate(persisted, observed []station.Record) []station.Record {
	return defaultReconciler.ToUpdate(persisted, observed)
}
