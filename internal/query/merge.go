package query

import (
	"container/heap"
	"slices"

	"cruncher/internal/record"
)

// runCursor is a position within one time-descending run.
type runCursor struct {
	run []record.Record
	pos int
	idx int // run index, breaks ties so earlier runs come first
}

func (c *runCursor) head() record.Record { return c.run[c.pos] }

// mergeHeap is a max-heap of run cursors ordered by the head record's time.
type mergeHeap []*runCursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	ti, tj := h[i].head().TimeMillis(), h[j].head().TimeMillis()
	if ti != tj {
		return ti > tj
	}
	return h[i].idx < h[j].idx
}

func (h mergeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(*runCursor))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return x
}

// MergeDescending k-way merges time-descending runs into a new
// time-descending slice. Records with equal times keep run order, then
// their order within the run. No record is dropped or duplicated and the
// inputs are not modified.
func MergeDescending(runs ...[]record.Record) []record.Record {
	total := 0
	nonEmpty := 0
	for _, r := range runs {
		total += len(r)
		if len(r) > 0 {
			nonEmpty++
		}
	}
	out := make([]record.Record, 0, total)
	if nonEmpty <= 1 {
		for _, r := range runs {
			out = append(out, r...)
		}
		return out
	}

	h := make(mergeHeap, 0, nonEmpty)
	for i, r := range runs {
		if len(r) > 0 {
			h = append(h, &runCursor{run: r, idx: i})
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		c := h[0]
		out = append(out, c.head())
		c.pos++
		if c.pos == len(c.run) {
			heap.Pop(&h)
			continue
		}
		heap.Fix(&h, 0)
	}
	return out
}

// SortDescending stably orders rows newest first, in place.
func SortDescending(rows []record.Record) {
	if IsSortedDescending(rows) {
		return
	}
	slices.SortStableFunc(rows, record.CompareTimeDesc)
}

// IsSortedDescending reports whether rows are ordered newest first.
func IsSortedDescending(rows []record.Record) bool {
	return slices.IsSortedFunc(rows, record.CompareTimeDesc)
}
