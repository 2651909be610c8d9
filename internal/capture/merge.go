package capture

import (
	"container/heap"

	"github.com/lexelby/apiary/internal/domain"
)

// Merge k-way merges already-sorted event sources into one globally
// time-ordered stream. Ties are broken by the Event ordering rule (End
// sorts after non-End at equal times); duplicates across sources surface
// in source order.

type mergeEntry struct {
	head   domain.Event
	source Source
	order  int
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].head.Less(h[j].head) {
		return true
	}
	if h[j].head.Less(h[i].head) {
		return false
	}
	return h[i].order < h[j].order
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Merged is a Source producing the k-way merge of its inputs.
type Merged struct {
	h       mergeHeap
	started bool
	sources []Source
	err     error
}

// Merge combines sources into a single ordered stream.
func Merge(sources ...Source) *Merged {
	return &Merged{sources: sources}
}

func (m *Merged) start() error {
	m.started = true
	for i, s := range m.sources {
		e, ok, err := s.Next()
		if err != nil {
			return err
		}
		if ok {
			m.h = append(m.h, mergeEntry{head: e, source: s, order: i})
		}
	}
	heap.Init(&m.h)
	return nil
}

// Next returns the globally smallest pending event.
func (m *Merged) Next() (domain.Event, bool, error) {
	if m.err != nil {
		return domain.Event{}, false, m.err
	}
	if !m.started {
		if err := m.start(); err != nil {
			m.err = err
			return domain.Event{}, false, err
		}
	}
	if m.h.Len() == 0 {
		return domain.Event{}, false, nil
	}
	top := m.h[0]
	next, ok, err := top.source.Next()
	if err != nil {
		m.err = err
		return domain.Event{}, false, err
	}
	if ok {
		m.h[0] = mergeEntry{head: next, source: top.source, order: top.order}
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return top.head, true, nil
}
