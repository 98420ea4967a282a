package ingest

import (
	"container/heap"
	"sync"
	"time"
)

// item is one queued event with its bookkeeping.
type item struct {
	namespace string
	event     Event

	// createdAt is the ingestion wall clock at push time; ordering
	// uses the event's own source time.
	createdAt time.Time

	// seq breaks source-time ties in push order.
	seq uint64
}

// eventHeap orders items by source wall-clock time, FIFO within a tie.
type eventHeap []*item

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.WallTime != h[j].event.WallTime {
		return h[i].event.WallTime < h[j].event.WallTime
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the ordering buffer between directory watchers and the
// consumer. Watchers push, the consumer pops; both under one mutex.
type Queue struct {
	mu      sync.Mutex
	heap    eventHeap
	nextSeq uint64
}

// NewQueue creates an empty ordering queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push adds one event under the given namespace.
func (q *Queue) Push(namespace string, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, &item{
		namespace: namespace,
		event:     ev,
		createdAt: time.Now(),
		seq:       q.nextSeq,
	})
	q.nextSeq++
}

// TryPop removes and returns the earliest event, if any.
func (q *Queue) TryPop() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&q.heap).(*item), true
}

// Reinsert returns a popped item to the queue with its original
// ordering intact. Used by the consumer's startup delay window.
func (q *Queue) Reinsert(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, it)
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
