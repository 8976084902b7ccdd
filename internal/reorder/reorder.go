// Package reorder implements the per-chip event reorder queue: a
// binary min-heap of raw event words keyed by ascending TOA, used to
// hold hits that fall in a disputed period-boundary window until the
// TDC that resolves them arrives. Not safe for concurrent use; it is
// owned exclusively by one chip's analyser goroutine.
package reorder

import "container/heap"

// Item is one pending hit awaiting resolution.
type Item struct {
	TOA   int64
	Event uint64
}

type itemHeap []Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].TOA < h[j].TOA }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(Item)) } //nolint:forcetypeassert
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// Queue is a min-heap of (toa, raw_event) ordered by ascending toa.
type Queue struct {
	h itemHeap
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push inserts an item.
func (q *Queue) Push(toa int64, event uint64) {
	heap.Push(&q.h, Item{TOA: toa, Event: event})
}

// Top returns the smallest-TOA item without removing it. It panics if
// the queue is empty; callers must check Empty first.
func (q *Queue) Top() Item {
	return q.h[0]
}

// Pop removes and returns the smallest-TOA item. It panics if the
// queue is empty; callers must check Empty first.
func (q *Queue) Pop() Item {
	return heap.Pop(&q.h).(Item) //nolint:forcetypeassert
}

// Empty reports whether the queue holds no items.
func (q *Queue) Empty() bool {
	return len(q.h) == 0
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	return len(q.h)
}
