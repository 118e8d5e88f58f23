// Package scheduler implements the min-heap timer queue of a partition.
//
// Core design principle:
//   - Scanning every timer for the due ones → O(N) per wakeup.
//   - Min-Heap peek                          → O(1), constant regardless of size.
//   - Min-Heap insert                        → O(log N).
//
// Unlike a goroutine-driven scheduler, this one is passive: the owner (the
// stream processor loop) asks NextDue when it should wake up and calls
// RunDue between records. Timers therefore run on the partition's single
// worker and never race with record processing.
package scheduler

import "container/heap"

// item is one entry in the scheduler Min-Heap.
type item struct {
	name     string
	dueAt    int64 // UTC milliseconds, sort key
	interval int64 // ms; 0 = one-shot
	task     Task

	// seq breaks ties between items due at the same millisecond so that
	// timers fire in the order they were scheduled.
	seq uint64

	// cancelled is set when the running task cancels its own timer.
	cancelled bool

	// heapIdx is the item's current position in the heap slice.
	// Maintained by minHeap.Swap so we can do O(log N) Cancel via heap.Remove.
	heapIdx int
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The smallest dueAt sits at index 0 (Min-Heap).
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].dueAt != h[j].dueAt {
		return h[i].dueAt < h[j].dueAt
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
