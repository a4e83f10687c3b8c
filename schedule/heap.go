package schedule

import "github.com/midiseq/midiseq"

// item is one scheduled delivery. A nil event is a heartbeat.
type item struct {
	clock midiseq.Clock
	seq   uint64 // insertion order, breaks clock ties
	ev    *midiseq.Event
}

// itemHeap implements container/heap.Interface as a min-heap on clock with
// FIFO tie-breaking, so equal clocks leave in the order they were pushed.
type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].clock != h[j].clock {
		return h[i].clock < h[j].clock
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}
