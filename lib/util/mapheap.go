package util

import (
	"container/heap"
	"fmt"
)

// MapHeap is a min-heap of (key, priority) pairs that also keeps a map from key
// to heap slot. This gives
//   - O(1) access to the item with the lowest priority (Peek)
//   - O(1) membership checks by key (Contains)
//   - O(log n) insertion, priority updates and removal by key
//
// The lock manager uses it with await ids as keys and deadlines (unix millis) as
// priorities, so the next timer can be armed for the earliest deadline and a
// parked await that completes early can be dropped by id.
//
// MapHeap is not thread-safe.
//
// Example usage:
//
//	deadlines := NewMapHeap[uint64]()
//	deadlines.AddItem(7, 1700000000000)
//	deadlines.AddItem(8, 1690000000000)
//
//	next, _ := deadlines.Peek() // key 8
//	deadlines.RemoveByKey(7)
type MapHeap[K comparable] struct {
	items    []*HeapItem[K]
	itemsMap map[K]*HeapItem[K]
}

// HeapItem is a single entry of a MapHeap.
type HeapItem[K comparable] struct {
	Key      K
	Priority int64
	index    int
}

func (i *HeapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// NewMapHeap creates an empty heap. The heap invariants hold for the empty
// heap, so there is no need to call heap.Init.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*HeapItem[K], 0),
		itemsMap: make(map[K]*HeapItem[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x any) {
	it := x.(*HeapItem[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed access
// --------------------------------------------------------------------------

// AddItem inserts key with the given priority, or moves an existing key to
// the new priority.
func (h *MapHeap[K]) AddItem(key K, priority int64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &HeapItem[K]{Key: key, Priority: priority})
}

// RemoveByKey removes key and returns its priority.
func (h *MapHeap[K]) RemoveByKey(key K) (int64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it.
func (h *MapHeap[K]) Peek() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopMin removes and returns the item with the lowest priority.
func (h *MapHeap[K]) PopMin() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*HeapItem[K]), true
}

// Contains checks if a key exists in the heap.
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey returns the item stored for key without removing it.
func (h *MapHeap[K]) GetByKey(key K) (*HeapItem[K], bool) {
	it, exists := h.itemsMap[key]
	return it, exists
}
