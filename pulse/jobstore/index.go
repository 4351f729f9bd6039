package jobstore

import (
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/teranos/tempo/pulse/schedule"
)

// indexEntry is a snapshot of the fields a WAITING trigger is ordered by.
// Records keep the entry they were inserted with so that removal still finds
// it after the trigger itself has been mutated.
type indexEntry struct {
	next     time.Time
	priority int
	key      schedule.TriggerKey
}

// compareEntries orders by next fire time, then higher priority first, then key
func compareEntries(a, b interface{}) int {
	x, y := a.(indexEntry), b.(indexEntry)
	switch {
	case x.next.Before(y.next):
		return -1
	case x.next.After(y.next):
		return 1
	case x.priority > y.priority:
		return -1
	case x.priority < y.priority:
		return 1
	}
	return x.key.Compare(y.key)
}

// timeIndex holds the WAITING triggers in acquisition order
type timeIndex struct {
	tree *redblacktree.Tree
}

func newTimeIndex() *timeIndex {
	return &timeIndex{tree: redblacktree.NewWith(compareEntries)}
}

func (ix *timeIndex) add(e indexEntry)    { ix.tree.Put(e, e.key) }
func (ix *timeIndex) remove(e indexEntry) { ix.tree.Remove(e) }
func (ix *timeIndex) len() int            { return ix.tree.Size() }
func (ix *timeIndex) clear()              { ix.tree.Clear() }

// first returns the entry that should be acquired next
func (ix *timeIndex) first() (indexEntry, bool) {
	n := ix.tree.Left()
	if n == nil {
		return indexEntry{}, false
	}
	return n.Key.(indexEntry), true
}
