package cacheutils

// BinaryHeap is an indexed min-heap of uint32 element indices prioritized by
// a uint32 key. It supports reprioritizing or removing an element by index in
// O(log n) through an explicit index-to-heap-position map. Ties on key are
// broken by element index, so the pop order is fully deterministic.
//
// The residency manager uses one heap per GPU replica, keyed by
// last-used-frame, to find the globally oldest resident page.
type BinaryHeap struct {
	heap []uint32

	// Indexed by element index. Sized to the largest index ever seen.
	keys    []uint32
	heapPos []int32
}

// Num returns the number of elements currently in the heap.
func (h *BinaryHeap) Num() int {
	return len(h.heap)
}

// IsPresent returns whether the element index is currently in the heap.
func (h *BinaryHeap) IsPresent(index uint32) bool {
	return int(index) < len(h.heapPos) && h.heapPos[index] >= 0
}

// Top returns the element index with the smallest key. The heap must not be
// empty.
func (h *BinaryHeap) Top() uint32 {
	return h.heap[0]
}

// TopKey returns the smallest key. The heap must not be empty.
func (h *BinaryHeap) TopKey() uint32 {
	return h.keys[h.heap[0]]
}

// GetKey returns the key of an element currently in the heap.
func (h *BinaryHeap) GetKey(index uint32) uint32 {
	return h.keys[index]
}

func (h *BinaryHeap) grow(index uint32) {
	for uint32(len(h.heapPos)) <= index {
		h.heapPos = append(h.heapPos, -1)
		h.keys = append(h.keys, 0)
	}
}

// Update inserts the element if absent, or reprioritizes it if present.
func (h *BinaryHeap) Update(key uint32, index uint32) {
	h.grow(index)

	if h.heapPos[index] < 0 {
		h.keys[index] = key
		h.heap = append(h.heap, index)
		h.heapPos[index] = int32(len(h.heap) - 1)
		h.siftUp(len(h.heap) - 1)
		return
	}

	oldKey := h.keys[index]
	h.keys[index] = key
	pos := int(h.heapPos[index])
	if key < oldKey {
		h.siftUp(pos)
	} else if key > oldKey {
		h.siftDown(pos)
	}
}

// Remove takes the element out of the heap. No-op when absent.
func (h *BinaryHeap) Remove(index uint32) {
	if !h.IsPresent(index) {
		return
	}
	pos := int(h.heapPos[index])
	last := len(h.heap) - 1

	h.heapPos[index] = -1
	if pos != last {
		moved := h.heap[last]
		h.heap[pos] = moved
		h.heapPos[moved] = int32(pos)
	}
	h.heap = h.heap[:last]

	if pos < len(h.heap) {
		h.siftDown(pos)
		h.siftUp(pos)
	}
}

// Pop removes and returns the element index with the smallest key. The heap
// must not be empty.
func (h *BinaryHeap) Pop() uint32 {
	top := h.heap[0]
	h.Remove(top)
	return top
}

// Clear removes all elements.
func (h *BinaryHeap) Clear() {
	for _, index := range h.heap {
		h.heapPos[index] = -1
	}
	h.heap = h.heap[:0]
}

func (h *BinaryHeap) less(a, b uint32) bool {
	if h.keys[a] != h.keys[b] {
		return h.keys[a] < h.keys[b]
	}
	return a < b
}

func (h *BinaryHeap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.heapPos[h.heap[i]] = int32(i)
	h.heapPos[h.heap[j]] = int32(j)
}

func (h *BinaryHeap) siftUp(pos int) {
	for pos > 0 {
		parent := (pos - 1) / 2
		if !h.less(h.heap[pos], h.heap[parent]) {
			break
		}
		h.swap(pos, parent)
		pos = parent
	}
}

func (h *BinaryHeap) siftDown(pos int) {
	for {
		smallest := pos
		left := 2*pos + 1
		right := 2*pos + 2
		if left < len(h.heap) && h.less(h.heap[left], h.heap[smallest]) {
			smallest = left
		}
		if right < len(h.heap) && h.less(h.heap[right], h.heap[smallest]) {
			smallest = right
		}
		if smallest == pos {
			return
		}
		h.swap(pos, smallest)
		pos = smallest
	}
}
