package worker

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/antcode/antcode/pkg/transport"
	"github.com/antcode/antcode/pkg/types"
)

// ErrQueueFull means the local queue is at capacity and the delivery must
// be refused back to the broker.
var ErrQueueFull = errors.New("local task queue full")

// queuedItem is one accepted delivery waiting for an execution slot.
type queuedItem struct {
	delivered transport.Delivered
	payload   *types.TaskPayload
	seq       uint64
	index     int
}

func bandRank(b types.PriorityBand) int {
	switch b {
	case types.PriorityHigh:
		return 2
	case types.PriorityLow:
		return 0
	default:
		return 1
	}
}

// taskQueue is a bounded priority queue: higher bands first, FIFO within a
// band. Capacity bounds how far the worker reads ahead of its slots.
type taskQueue struct {
	mu      sync.Mutex
	items   itemHeap
	byRun   map[string]*queuedItem
	cap     int
	nextSeq uint64
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &taskQueue{byRun: make(map[string]*queuedItem), cap: capacity}
}

func (q *taskQueue) Push(d transport.Delivered, p *types.TaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return ErrQueueFull
	}
	q.nextSeq++
	it := &queuedItem{delivered: d, payload: p, seq: q.nextSeq}
	heap.Push(&q.items, it)
	q.byRun[p.RunID] = it
	return nil
}

// Pop returns the highest-priority item, or nil when the queue is empty.
func (q *taskQueue) Pop() *queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*queuedItem)
	delete(q.byRun, it.payload.RunID)
	return it
}

// Remove pulls a specific queued run out, for cancellation before start.
func (q *taskQueue) Remove(runID string) *queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byRun[runID]
	if !ok {
		return nil
	}
	heap.Remove(&q.items, it.index)
	delete(q.byRun, runID)
	return it
}

// Drain empties the queue, returning everything that was waiting.
func (q *taskQueue) Drain() []*queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queuedItem, 0, len(q.items))
	for len(q.items) > 0 {
		it := heap.Pop(&q.items).(*queuedItem)
		delete(q.byRun, it.payload.RunID)
		out = append(out, it)
	}
	return out
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	ri := bandRank(types.BandForPriority(h[i].payload.Priority))
	rj := bandRank(types.BandForPriority(h[j].payload.Priority))
	if ri != rj {
		return ri > rj
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*queuedItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
