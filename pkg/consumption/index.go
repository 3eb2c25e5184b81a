// Package consumption derives which object ids a working tree already uses:
// sorted id sets per object type, their contiguous runs, and duplicate-id
// collisions.
package consumption

import (
	"cmp"
	"slices"

	f "github.com/multimediallc/idranges/pkg/functional"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
)

// Collision is an id declared by more than one object of the same type.
type Collision struct {
	Type    string           `json:"type" yaml:"type"`
	ID      int              `json:"id" yaml:"id"`
	Records []objects.Record `json:"records" yaml:"records"`
}

// Snapshot is the consumption state of one scan. It is rebuilt on every
// analysis and never updated in place.
type Snapshot struct {
	IDs        map[string][]int          `json:"ids" yaml:"ids"`
	Ranges     map[string][]ranges.Range `json:"ranges" yaml:"ranges"`
	Collisions []Collision               `json:"collisions" yaml:"collisions"`
}

// GroupByType buckets records by object type.
func GroupByType(records []objects.Record) map[string][]objects.Record {
	return f.GroupBy(records, func(r objects.Record) string { return r.Type })
}

// IDsByType returns the distinct ids of every type in ascending order.
func IDsByType(records []objects.Record) map[string][]int {
	ids := make(map[string][]int)
	for objectType, group := range GroupByType(records) {
		ids[objectType] = f.SortedUnique(f.Map(group, func(r objects.Record) int { return r.ID }))
	}
	return ids
}

// FindCollisions returns one entry per (type, id) declared by two or more
// records, listing every contributing record. Entries are ordered by type then id.
func FindCollisions(records []objects.Record) []Collision {
	collisions := make([]Collision, 0)
	byType := GroupByType(records)
	for _, objectType := range f.SortedKeys(byType) {
		byID := f.GroupBy(byType[objectType], func(r objects.Record) int { return r.ID })
		for _, id := range f.SortedKeys(byID) {
			if group := byID[id]; len(group) > 1 {
				collisions = append(collisions, Collision{Type: objectType, ID: id, Records: group})
			}
		}
	}
	return collisions
}

// ConsumedRanges compresses each type's ids into maximal contiguous runs.
// Types without ids have no entry.
func ConsumedRanges(records []objects.Record) map[string][]ranges.Range {
	out := make(map[string][]ranges.Range)
	for objectType, ids := range IDsByType(records) {
		if len(ids) == 0 {
			continue
		}
		out[objectType] = ranges.FromSortedIDs(ids)
	}
	return out
}

// Analyze builds a full Snapshot of records.
func Analyze(records []objects.Record) Snapshot {
	return Snapshot{
		IDs:        IDsByType(records),
		Ranges:     ConsumedRanges(records),
		Collisions: FindCollisions(records),
	}
}

// ConsumedSet returns the ids consumed by objectType as a set.
func (s Snapshot) ConsumedSet(objectType string) f.Set[int] {
	return f.NewSet(s.IDs[objects.NormalizeType(objectType)]...)
}

// CollisionsFor returns the collisions of a single object type.
func (s Snapshot) CollisionsFor(objectType string) []Collision {
	objectType = objects.NormalizeType(objectType)
	return f.Filtered(s.Collisions, func(c Collision) bool { return c.Type == objectType })
}

// Discrepancy lists, for one object type, ids consumed in the working tree
// but absent from the remote ledger and the other way around.
type Discrepancy struct {
	Type       string `json:"type" yaml:"type"`
	LocalOnly  []int  `json:"localOnly" yaml:"localOnly"`
	RemoteOnly []int  `json:"remoteOnly" yaml:"remoteOnly"`
}

// Compare reports per-type differences between local and remote consumption.
// Types that agree are omitted.
func Compare(local, remote map[string][]int) []Discrepancy {
	types := f.NewSet[string]()
	for t := range local {
		types.Add(objects.NormalizeType(t))
	}
	for t := range remote {
		types.Add(objects.NormalizeType(t))
	}
	normalize := func(m map[string][]int) map[string][]int {
		out := make(map[string][]int, len(m))
		for t, ids := range m {
			key := objects.NormalizeType(t)
			out[key] = append(out[key], ids...)
		}
		return out
	}
	localN, remoteN := normalize(local), normalize(remote)

	discrepancies := make([]Discrepancy, 0)
	for _, objectType := range types.Items() {
		l := f.SortedUnique(localN[objectType])
		r := f.SortedUnique(remoteN[objectType])
		d := Discrepancy{
			Type:       objectType,
			LocalOnly:  f.Difference(l, r),
			RemoteOnly: f.Difference(r, l),
		}
		if len(d.LocalOnly) > 0 || len(d.RemoteOnly) > 0 {
			discrepancies = append(discrepancies, d)
		}
	}
	slices.SortFunc(discrepancies, func(a, b Discrepancy) int { return cmp.Compare(a.Type, b.Type) })
	return discrepancies
}
