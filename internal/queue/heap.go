package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// HeapIndex is an in-process Index backed by a binary heap with a position map.
type HeapIndex struct {
	mu  sync.Mutex
	h   entryHeap
	pos map[string]int
}

func NewHeapIndex() *HeapIndex {
	idx := &HeapIndex{pos: make(map[string]int)}
	idx.h.pos = idx.pos
	return idx
}

func (x *HeapIndex) Upsert(_ context.Context, e Entry) error {
	e.Due = e.Due.UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.pos[e.ID]; ok {
		x.h.items[i] = e
		heap.Fix(&x.h, i)
		return nil
	}
	heap.Push(&x.h, e)
	return nil
}

func (x *HeapIndex) Remove(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.pos[id]; ok {
		heap.Remove(&x.h, i)
	}
	return nil
}

func (x *HeapIndex) PeekDue(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var out []Entry
	for x.h.Len() > 0 {
		top := x.h.items[0]
		if top.Due.After(now) || (limit > 0 && len(out) >= limit) {
			break
		}
		out = append(out, heap.Pop(&x.h).(Entry))
	}
	// Peek only: put the popped entries back.
	for _, e := range out {
		heap.Push(&x.h, e)
	}
	return out, nil
}

func (x *HeapIndex) Len(_ context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.h.Len(), nil
}

func (x *HeapIndex) Reset(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.h.items = nil
	for k := range x.pos {
		delete(x.pos, k)
	}
	return nil
}

type entryHeap struct {
	items []Entry
	pos   map[string]int
}

func (h entryHeap) Len() int           { return len(h.items) }
func (h entryHeap) Less(i, j int) bool { return Less(h.items[i], h.items[j]) }

func (h entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.pos[h.items[i].ID] = i
	h.pos[h.items[j].ID] = j
}

func (h *entryHeap) Push(x any) {
	e := x.(Entry)
	h.pos[e.ID] = len(h.items)
	h.items = append(h.items, e)
}

func (h *entryHeap) Pop() any {
	n := len(h.items)
	e := h.items[n-1]
	h.items = h.items[:n-1]
	delete(h.pos, e.ID)
	return e
}
