package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process DelayQueue.
type MemoryQueue struct {
	cfg   Config
	mu    sync.Mutex
	h     itemHeap
	index map[string]*heapEntry
	dead  []Item
}

type heapEntry struct {
	item Item
	pos  int
}

type itemHeap []*heapEntry

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].item.DueAt.Equal(h[j].item.DueAt) {
		return h[i].item.ID < h[j].item.ID
	}
	return h[i].item.DueAt.Before(h[j].item.DueAt)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}
func (h *itemHeap) Push(x any) {
	e := x.(*heapEntry)
	e.pos = len(*h)
	*h = append(*h, e)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{cfg: cfg, index: make(map[string]*heapEntry)}
}

func (q *MemoryQueue) Schedule(_ context.Context, id string, payload []byte, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.index[id]; ok {
		e.item.Payload = payload
		e.item.DueAt = at
		heap.Fix(&q.h, e.pos)
		return nil
	}
	e := &heapEntry{item: Item{ID: id, Payload: payload, DueAt: at}}
	heap.Push(&q.h, e)
	q.index[id] = e
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for q.h.Len() > 0 && (limit <= 0 || len(out) < limit) {
		top := q.h[0]
		if top.item.DueAt.After(now) {
			break
		}
		heap.Pop(&q.h)
		delete(q.index, top.item.ID)
		out = append(out, top.item)
	}
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.index[id]; ok {
		heap.Remove(&q.h, e.pos)
		delete(q.index, id)
	}
	return nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len(), nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, id string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append([]Item{{ID: id, Payload: payload, DueAt: time.Now().UTC()}}, q.dead...)
	if len(q.dead) > q.cfg.maxDead() {
		q.dead = q.dead[:q.cfg.maxDead()]
	}
	return nil
}

// DeadLetters returns the newest dead letters first.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Item, n)
	copy(out, q.dead[:n])
	return out, nil
}

func (q *MemoryQueue) Close() error { return nil }
