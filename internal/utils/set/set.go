package set

import (
	"cmp"
	"slices"
)

type Set[T comparable] map[T]struct{}

func New[T comparable]() Set[T] {
	return make(Set[T])
}

func NewWithItems[T comparable](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set[T]) Add(element T) {
	s[element] = struct{}{}
}

func (s Set[T]) Contains(element T) bool {
	_, exists := s[element]
	return exists
}

// Sorted returns the elements of s in ascending order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	items := make([]T, 0, len(s))
	for elem := range s {
		items = append(items, elem)
	}
	slices.Sort(items)
	return items
}
