package f

import (
	"cmp"
	"maps"
	"slices"
)

type Set[T comparable] map[T]struct{}

func NewSet[T comparable](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, item := range items {
		s.Add(item)
	}
	return s
}

func (s Set[T]) Add(item T) {
	s[item] = struct{}{}
}

func (s Set[T]) Contains(item T) bool {
	_, found := s[item]
	return found
}

func (s Set[T]) Items() []T {
	return slices.Collect(maps.Keys(s))
}

func Map[T, U any](ts []T, f func(T) U) []U {
	us := make([]U, len(ts))
	for i, t := range ts {
		us[i] = f(t)
	}
	return us
}

func Filtered[T any](ts []T, f func(T) bool) []T {
	filtered := make([]T, 0)
	for _, t := range ts {
		if f(t) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// GroupBy buckets ts by the key returned from f. Order inside a bucket follows ts.
func GroupBy[K comparable, T any](ts []T, f func(T) K) map[K][]T {
	groups := make(map[K][]T)
	for _, t := range ts {
		k := f(t)
		groups[k] = append(groups[k], t)
	}
	return groups
}

func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

// SortedUnique returns the distinct values of ts in ascending order. ts is not modified.
func SortedUnique[T cmp.Ordered](ts []T) []T {
	out := slices.Clone(ts)
	slices.Sort(out)
	return slices.Compact(out)
}

// Difference returns the items of slice1 that are not present in slice2, in slice1 order.
func Difference[T comparable](slice1, slice2 []T) []T {
	exclude := NewSet(slice2...)
	return Filtered(slice1, func(t T) bool {
		return !exclude.Contains(t)
	})
}

// Find returns the first item of slice that findFunc accepts.
func Find[T any](slice []T, findFunc func(T) bool) (T, bool) {
	for _, item := range slice {
		if findFunc(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}
