package application

import (
	"container/heap"
	"sync"

	engine "meact/internal/engine/domain"
)

// DefaultQueueMaxLen caps the ingress queue.
const DefaultQueueMaxLen = 10000

// QueueItem is an event waiting for evaluation.
type QueueItem struct {
	Event    engine.SensorEvent
	Priority int
	Seq      uint64
}

type itemHeap []QueueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(QueueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = QueueItem{}
	*h = old[:n-1]
	return item
}

// Queue is the ingress priority queue. Lower priority values are dequeued
// first; equal priorities keep arrival order.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	maxLen int
	ready  chan struct{}
}

// NewQueue constructs a queue holding at most maxLen items.
func NewQueue(maxLen int) *Queue {
	if maxLen <= 0 {
		maxLen = DefaultQueueMaxLen
	}
	return &Queue{maxLen: maxLen, ready: make(chan struct{}, 1)}
}

// Push enqueues an event.
func (q *Queue) Push(event engine.SensorEvent, priority int) error {
	q.mu.Lock()
	if len(q.items) >= q.maxLen {
		q.mu.Unlock()
		return engine.ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, QueueItem{Event: event, Priority: priority, Seq: q.seq})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// TryPop dequeues without blocking.
func (q *Queue) TryPop() (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueueItem{}, false
	}
	return heap.Pop(&q.items).(QueueItem), true
}

// Ready is signalled after a push. One signal may cover several pushes.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
