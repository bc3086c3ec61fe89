package orchestrator

import (
	"github.com/google/btree"

	"cruncher/internal/record"
)

// timeEntry is one distinct event timestamp.
type timeEntry struct {
	millis int64
}

func lessTimeEntry(a, b timeEntry) bool { return a.millis < b.millis }

// timeIndex is an ordered set of the distinct event timestamps of a task's
// merged rows, before any pipeline stage runs.
type timeIndex struct {
	tree *btree.BTreeG[timeEntry]
}

func newTimeIndex(events []record.Record) *timeIndex {
	tree := btree.NewG(16, lessTimeEntry)
	for _, ev := range events {
		tree.ReplaceOrInsert(timeEntry{millis: ev.TimeMillis()})
	}
	return &timeIndex{tree: tree}
}

func (x *timeIndex) Len() int { return x.tree.Len() }

// closest returns the indexed timestamp nearest to millis. When a lower and
// a higher neighbour are equally distant the higher one wins.
func (x *timeIndex) closest(millis int64) (timeEntry, bool) {
	var lower, higher timeEntry
	var haveLower, haveHigher bool

	x.tree.DescendLessOrEqual(timeEntry{millis: millis}, func(te timeEntry) bool {
		lower, haveLower = te, true
		return false
	})
	x.tree.AscendGreaterOrEqual(timeEntry{millis: millis}, func(te timeEntry) bool {
		higher, haveHigher = te, true
		return false
	})

	switch {
	case haveLower && haveHigher:
		if higher.millis-millis <= millis-lower.millis {
			return higher, true
		}
		return lower, true
	case haveHigher:
		return higher, true
	case haveLower:
		return lower, true
	}
	return timeEntry{}, false
}
