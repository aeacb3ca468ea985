package allocator

import (
	"container/heap"

	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/resources"
)

// frameworkEntry is one framework's view during a single offer-loop pass:
// its committed allocation (Used, from the Registry) plus Pending, the
// within-round accumulator of resources just offered to it, so the next
// worker's ordering reflects offers already made this tick.
type frameworkEntry struct {
	ID      ids.FrameworkID
	Weight  float64
	Used    resources.Vector
	Pending resources.Vector
	index   int
}

func (e *frameworkEntry) combined() resources.Vector { return e.Used.Add(e.Pending) }

// frameworkHeap is a min-heap ordered by DRF score, re-heapified after every
// Pending update so it re-orders after each allocation within a tick.
type frameworkHeap struct {
	entries []*frameworkEntry
	total   resources.Vector
}

func (h *frameworkHeap) Len() int { return len(h.entries) }

func (h *frameworkHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	sa := Score(a, h.total, (*frameworkEntry).combined, func(e *frameworkEntry) float64 { return e.Weight })
	sb := Score(b, h.total, (*frameworkEntry).combined, func(e *frameworkEntry) float64 { return e.Weight })
	if sa != sb {
		return sa < sb
	}
	return a.ID < b.ID
}

func (h *frameworkHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *frameworkHeap) Push(x any) {
	e := x.(*frameworkEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *frameworkHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}

// fixTop re-establishes heap order after entries[0].Pending was mutated in
// place, without a full re-sort.
func (h *frameworkHeap) fixTop() {
	heap.Fix(h, 0)
}
