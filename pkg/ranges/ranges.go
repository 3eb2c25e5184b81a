// Package ranges holds the closed integer interval type shared by the range
// configuration, the consumption index and the allocator.
package ranges

import (
	"fmt"
	"slices"
)

// Range is a closed interval [From, To].
type Range struct {
	From int `json:"from" yaml:"from" mapstructure:"from"`
	To   int `json:"to" yaml:"to" mapstructure:"to"`
}

func New(from, to int) Range {
	return Range{From: from, To: to}
}

func (r Range) String() string {
	if r.From == r.To {
		return fmt.Sprintf("%d", r.From)
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

func (r Range) Valid() bool {
	return r.From <= r.To
}

func (r Range) Contains(id int) bool {
	return id >= r.From && id <= r.To
}

// Size is the number of ids in the range, 0 for an invalid range.
func (r Range) Size() int {
	if !r.Valid() {
		return 0
	}
	return r.To - r.From + 1
}

func (r Range) Overlaps(other Range) bool {
	return r.From <= other.To && other.From <= r.To
}

// AnyContains reports whether id falls inside at least one of rs.
func AnyContains(rs []Range, id int) bool {
	return slices.ContainsFunc(rs, func(r Range) bool {
		return r.Contains(id)
	})
}

// Overlap is a pair of declared ranges that share at least one id.
type Overlap struct {
	First  Range
	Second Range
}

// FindOverlaps returns every overlapping pair in rs, in declaration order.
func FindOverlaps(rs []Range) []Overlap {
	overlaps := make([]Overlap, 0)
	for i := 0; i < len(rs); i++ {
		for j := i + 1; j < len(rs); j++ {
			if rs[i].Overlaps(rs[j]) {
				overlaps = append(overlaps, Overlap{First: rs[i], Second: rs[j]})
			}
		}
	}
	return overlaps
}

// FromSortedIDs compresses strictly ascending, distinct ids into maximal runs
// of consecutive integers. The result is empty for empty input.
func FromSortedIDs(ids []int) []Range {
	runs := make([]Range, 0)
	for _, id := range ids {
		if n := len(runs); n > 0 && runs[n-1].To+1 == id {
			runs[n-1].To = id
			continue
		}
		runs = append(runs, Range{From: id, To: id})
	}
	return runs
}

// Filter keeps the ranges whose bounds equal want exactly.
func Filter(rs []Range, want Range) []Range {
	out := make([]Range, 0, 1)
	for _, r := range rs {
		if r == want {
			out = append(out, r)
		}
	}
	return out
}
