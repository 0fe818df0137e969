package cacheutils

import (
	"github.com/pkg/errors"
)

type span struct {
	first int
	count int
}

// SparseSpanArray is an index-stable arena of element spans. Consumers
// allocate contiguous runs of elements and address them by plain integer
// index forever after: removing one span never moves or invalidates any
// other span, so indices can be stored freely in sibling structures without
// pointer fixups.
//
// Freed spans are kept on a free list, coalesced with their neighbors, and
// reused by later allocations. Elements are reset to their zero value when a
// span is allocated.
type SparseSpanArray[T any] struct {
	items     []T
	allocated []bool

	// Sorted by first index, non-adjacent (adjacent spans are merged on free)
	freeSpans []span

	numAllocated int
}

// Num returns the upper bound of live indices, including any free gaps. Use
// IsAllocated to distinguish live elements when iterating [0, Num).
func (a *SparseSpanArray[T]) Num() int {
	return len(a.items)
}

// NumAllocated returns the number of live elements.
func (a *SparseSpanArray[T]) NumAllocated() int {
	return a.numAllocated
}

// IsAllocated returns whether index maps to a live element.
func (a *SparseSpanArray[T]) IsAllocated(index int) bool {
	return index >= 0 && index < len(a.allocated) && a.allocated[index]
}

// Get returns a pointer to a live element. The pointer remains valid until
// the array grows, so it should not be retained across AddSpan calls-
// persistent references must be indices.
func (a *SparseSpanArray[T]) Get(index int) *T {
	return &a.items[index]
}

// AddSpan allocates count contiguous elements and returns the index of the
// first. The elements are zero values.
func (a *SparseSpanArray[T]) AddSpan(count int) int {
	if count <= 0 {
		panic("AddSpan requires a positive count")
	}

	// First-fit over the free list
	for spanIndex := 0; spanIndex < len(a.freeSpans); spanIndex++ {
		freeSpan := a.freeSpans[spanIndex]
		if freeSpan.count < count {
			continue
		}

		if freeSpan.count == count {
			a.freeSpans = append(a.freeSpans[:spanIndex], a.freeSpans[spanIndex+1:]...)
		} else {
			a.freeSpans[spanIndex].first += count
			a.freeSpans[spanIndex].count -= count
		}

		var zero T
		for i := freeSpan.first; i < freeSpan.first+count; i++ {
			a.items[i] = zero
			a.allocated[i] = true
		}
		a.numAllocated += count
		return freeSpan.first
	}

	first := len(a.items)
	for i := 0; i < count; i++ {
		var zero T
		a.items = append(a.items, zero)
		a.allocated = append(a.allocated, true)
	}
	a.numAllocated += count
	return first
}

// RemoveSpan frees count contiguous elements starting at first. The freed
// indices become invalid until reused by a later AddSpan.
func (a *SparseSpanArray[T]) RemoveSpan(first, count int) error {
	if first < 0 || count <= 0 || first+count > len(a.items) {
		return errors.Wrapf(InvalidSpanError, "span [%d, %d)", first, first+count)
	}
	for i := first; i < first+count; i++ {
		if !a.allocated[i] {
			return errors.Wrapf(InvalidSpanError, "index %d is not allocated", i)
		}
	}

	var zero T
	for i := first; i < first+count; i++ {
		a.items[i] = zero
		a.allocated[i] = false
	}
	a.numAllocated -= count

	// Insert sorted and merge with adjacent free spans
	insertAt := len(a.freeSpans)
	for i, freeSpan := range a.freeSpans {
		if freeSpan.first > first {
			insertAt = i
			break
		}
	}
	a.freeSpans = append(a.freeSpans, span{})
	copy(a.freeSpans[insertAt+1:], a.freeSpans[insertAt:])
	a.freeSpans[insertAt] = span{first: first, count: count}

	if insertAt+1 < len(a.freeSpans) {
		next := a.freeSpans[insertAt+1]
		if first+count == next.first {
			a.freeSpans[insertAt].count += next.count
			a.freeSpans = append(a.freeSpans[:insertAt+1], a.freeSpans[insertAt+2:]...)
		}
	}
	if insertAt > 0 {
		prev := a.freeSpans[insertAt-1]
		if prev.first+prev.count == a.freeSpans[insertAt].first {
			a.freeSpans[insertAt-1].count += a.freeSpans[insertAt].count
			a.freeSpans = append(a.freeSpans[:insertAt], a.freeSpans[insertAt+1:]...)
		}
	}

	return nil
}

// Clear instantly frees all spans.
func (a *SparseSpanArray[T]) Clear() {
	a.items = a.items[:0]
	a.allocated = a.allocated[:0]
	a.freeSpans = a.freeSpans[:0]
	a.numAllocated = 0
}

// Validate performs internal consistency checks on the free list. When the
// implementation is functioning correctly, it should not be possible for this
// method to return an error.
func (a *SparseSpanArray[T]) Validate() error {
	freeCount := 0
	lastEnd := -1
	for _, freeSpan := range a.freeSpans {
		if freeSpan.count <= 0 {
			return errors.New("free list contains an empty span")
		}
		if freeSpan.first <= lastEnd {
			return errors.New("free list is not sorted and coalesced")
		}
		for i := freeSpan.first; i < freeSpan.first+freeSpan.count; i++ {
			if a.allocated[i] {
				return errors.Errorf("index %d is both free and allocated", i)
			}
		}
		lastEnd = freeSpan.first + freeSpan.count
		freeCount += freeSpan.count
	}
	allocatedCount := 0
	for _, live := range a.allocated {
		if live {
			allocatedCount++
		}
	}
	if allocatedCount != a.numAllocated {
		return errors.Errorf("allocation counter is %d, but %d elements are live", a.numAllocated, allocatedCount)
	}
	if allocatedCount+freeCount != len(a.items) {
		return errors.Errorf("%d live + %d free != %d total", allocatedCount, freeCount, len(a.items))
	}
	return nil
}
