// Package queue implements the Request Queue: a priority FIFO of pending
// requests keyed by (-priority, submitTs), supporting cancel-by-id.
package queue

import (
	"container/heap"
	"sync"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

// item is one entry in the underlying heap.
type item struct {
	state *dispatchcore.RequestState
	index int
}

// innerHeap orders by descending priority, then ascending submission time —
// higher priority wins; ties broken by submission order.
type innerHeap []*item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	pi, pj := h[i].state.Spec.Priority, h[j].state.Spec.Priority
	if pi != pj {
		return pi > pj
	}
	return h[i].state.Spec.SubmitTs.Before(h[j].state.Spec.SubmitTs)
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe priority FIFO of *dispatchcore.RequestState.
type Queue struct {
	mu      sync.Mutex
	heap    innerHeap
	byID    map[string]*item
	maxSize int
}

// New builds a Queue with the given backpressure ceiling. A maxSize of 0
// means unbounded.
func New(maxSize int) *Queue {
	return &Queue{byID: make(map[string]*item), maxSize: maxSize}
}

// Enqueue adds a request state to the queue. It fails with QueueFull if
// the queue is already at capacity.
func (q *Queue) Enqueue(state *dispatchcore.RequestState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return dispatchcore.NewError(dispatchcore.ErrQueueFull, "queue at capacity")
	}
	it := &item{state: state}
	heap.Push(&q.heap, it)
	q.byID[state.Spec.ID] = it
	return nil
}

// DequeueEligible pops and returns the highest-priority item, or false if
// the queue is empty. The pop is atomic with respect to Cancel: a request
// cancelled concurrently either is removed before this call observes it,
// or this call wins the race and returns it (the dispatcher must still
// check status before assigning).
func (q *Queue) DequeueEligible() (*dispatchcore.RequestState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.state.Spec.ID)
	return it.state, true
}

// Cancel removes a queued request by id, returning whether it was present.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, id)
	return true
}

// Size returns the current queue depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Snapshot returns a shallow copy of the queued request states, in heap
// order (not necessarily priority order beyond the root).
func (q *Queue) Snapshot() []dispatchcore.RequestState {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]dispatchcore.RequestState, 0, len(q.heap))
	for _, it := range q.heap {
		out = append(out, *it.state)
	}
	return out
}
