package cacheutils

// UniqueIndexList accumulates element indices while dropping duplicates,
// preserving first-insertion order. Used for per-frame dirty lists, where
// several paths (eviction, reallocation, removal) can converge on the same
// card in one frame.
type UniqueIndexList struct {
	Array []int32

	seen map[int32]struct{}
}

// Add appends index unless it is already present.
func (l *UniqueIndexList) Add(index int32) {
	if l.seen == nil {
		l.seen = make(map[int32]struct{})
	}
	if _, present := l.seen[index]; present {
		return
	}
	l.seen[index] = struct{}{}
	l.Array = append(l.Array, index)
}

// Contains returns whether index has been added.
func (l *UniqueIndexList) Contains(index int32) bool {
	_, present := l.seen[index]
	return present
}

// Num returns the number of unique indices added.
func (l *UniqueIndexList) Num() int {
	return len(l.Array)
}

// Reset empties the list for reuse.
func (l *UniqueIndexList) Reset() {
	l.Array = l.Array[:0]
	for key := range l.seen {
		delete(l.seen, key)
	}
}
