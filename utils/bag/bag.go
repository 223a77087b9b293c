// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bag provides a multiset used by the tally to count ballots
// grouped by their proposed value.
package bag

// Bag tracks counts of elements.
type Bag[T comparable] struct {
	counts map[T]int
	size   int
}

// Of creates a bag holding the given elements.
func Of[T comparable](elements ...T) Bag[T] {
	b := New[T]()
	for _, e := range elements {
		b.Add(e)
	}
	return b
}

// New creates an empty bag.
func New[T comparable]() Bag[T] {
	return Bag[T]{counts: make(map[T]int)}
}

// Add increments the count for an element.
func (b *Bag[T]) Add(element T) {
	b.AddCount(element, 1)
}

// AddCount adds count occurrences of an element. Non-positive counts
// are ignored.
func (b *Bag[T]) AddCount(element T, count int) {
	if count <= 0 {
		return
	}
	if b.counts == nil {
		b.counts = make(map[T]int)
	}
	b.counts[element] += count
	b.size += count
}

// Count returns the number of occurrences of an element.
func (b *Bag[T]) Count(element T) int {
	return b.counts[element]
}

// Len returns the total number of elements, with multiplicity.
func (b *Bag[T]) Len() int {
	return b.size
}

// List returns the distinct elements in unspecified order.
func (b *Bag[T]) List() []T {
	list := make([]T, 0, len(b.counts))
	for element := range b.counts {
		list = append(list, element)
	}
	return list
}

// Mode returns one element with the highest count and that count. When
// several elements tie, which one is returned is unspecified; use
// Modes when ties matter.
func (b *Bag[T]) Mode() (mode T, count int) {
	for element, n := range b.counts {
		if n > count {
			mode = element
			count = n
		}
	}
	return mode, count
}

// Modes returns every element whose count equals the maximum, and that
// maximum. An empty bag returns (nil, 0).
func (b *Bag[T]) Modes() (modes []T, count int) {
	for element, n := range b.counts {
		switch {
		case n > count:
			modes = append(modes[:0], element)
			count = n
		case n == count:
			modes = append(modes, element)
		}
	}
	return modes, count
}

// Filter returns a new bag containing only elements that pass filter.
func (b *Bag[T]) Filter(filter func(T) bool) Bag[T] {
	result := New[T]()
	for element, count := range b.counts {
		if filter(element) {
			result.AddCount(element, count)
		}
	}
	return result
}
