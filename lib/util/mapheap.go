package util

import (
	"container/heap"
	"fmt"
)

// heapItem is one entry of a MapHeap
type heapItem[K comparable] struct {
	key      K
	priority uint64
	index    int // maintained by the heap package
}

// MapHeap is a min-heap ordered by priority that also allows O(1) access by key.
// The resolver cache uses it with the insertion sequence as priority, so the minimum
// is always the entry that was stored first.
//
// MapHeap is not thread-safe, callers synchronize access.
type MapHeap[K comparable] struct {
	items []*heapItem[K]
	byKey map[K]*heapItem[K]
}

// NewMapHeap creates an empty, initialized MapHeap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items: make([]*heapItem[K], 0),
		byKey: make(map[K]*heapItem[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface (not meant to be called directly)
// --------------------------------------------------------------------------

func (mh *MapHeap[K]) Len() int { return len(mh.items) }

func (mh *MapHeap[K]) Less(i, j int) bool {
	return mh.items[i].priority < mh.items[j].priority
}

func (mh *MapHeap[K]) Swap(i, j int) {
	mh.items[i], mh.items[j] = mh.items[j], mh.items[i]
	mh.items[i].index = i
	mh.items[j].index = j
}

func (mh *MapHeap[K]) Push(x any) {
	it := x.(*heapItem[K])
	it.index = len(mh.items)
	mh.items = append(mh.items, it)
	mh.byKey[it.key] = it
}

func (mh *MapHeap[K]) Pop() any {
	old := mh.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	mh.items = old[:n-1]
	delete(mh.byKey, it.key)
	return it
}

// --------------------------------------------------------------------------
// Key based API
// --------------------------------------------------------------------------

// Set inserts key with the given priority or updates the priority of an existing key
func (mh *MapHeap[K]) Set(key K, priority uint64) {
	if it, ok := mh.byKey[key]; ok {
		it.priority = priority
		heap.Fix(mh, it.index)
		return
	}
	heap.Push(mh, &heapItem[K]{key: key, priority: priority})
}

// Remove deletes key and returns its priority
func (mh *MapHeap[K]) Remove(key K) (uint64, bool) {
	it, ok := mh.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(mh, it.index)
	return it.priority, true
}

// Min returns the key with the lowest priority without removing it
func (mh *MapHeap[K]) Min() (K, uint64, bool) {
	if len(mh.items) == 0 {
		var zero K
		return zero, 0, false
	}
	return mh.items[0].key, mh.items[0].priority, true
}

// PopMin removes and returns the key with the lowest priority
func (mh *MapHeap[K]) PopMin() (K, uint64, bool) {
	if len(mh.items) == 0 {
		var zero K
		return zero, 0, false
	}
	it := heap.Pop(mh).(*heapItem[K])
	return it.key, it.priority, true
}

// Contains checks if key is in the heap
func (mh *MapHeap[K]) Contains(key K) bool {
	_, ok := mh.byKey[key]
	return ok
}

// Priority returns the priority of key
func (mh *MapHeap[K]) Priority(key K) (uint64, bool) {
	it, ok := mh.byKey[key]
	if !ok {
		return 0, false
	}
	return it.priority, true
}

func (it *heapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", it.key, it.priority)
}
