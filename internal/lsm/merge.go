package lsm

import (
	"container/heap"

	"github.com/kvstorm/kvstorm/internal/memtable"
	"github.com/kvstorm/kvstorm/internal/sstable"
)

// mergeSource is anything that yields ascending internal keys;
// *sstable.Iterator satisfies it.
type mergeSource interface {
	Next() bool
	Key() memtable.InternalKey
	Value() []byte
	Err() error
}

type heapItem struct {
	src mergeSource
	idx int
}

type sourceHeap []*heapItem

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	return memtable.Compare(h[i].src.Key(), h[j].src.Key()) < 0
}
func (h sourceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIter performs a k-way merge across several ascending internal-key
// sources, used by compaction (spec §4.3 "k-way merge over each input's
// iterator keyed by (userKey, seq desc)").
type mergeIter struct {
	h   sourceHeap
	cur *heapItem
	err error
}

func newMergeIter(sources []mergeSource) *mergeIter {
	m := &mergeIter{}
	for _, s := range sources {
		if s.Next() {
			heap.Push(&m.h, &heapItem{src: s})
		} else if s.Err() != nil {
			m.err = s.Err()
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next entry in ascending internal-key order.
func (m *mergeIter) Next() bool {
	if m.cur != nil {
		if m.cur.src.Next() {
			heap.Push(&m.h, m.cur)
		} else if m.cur.src.Err() != nil {
			m.err = m.cur.src.Err()
		}
		m.cur = nil
	}
	if m.h.Len() == 0 {
		return false
	}
	m.cur = heap.Pop(&m.h).(*heapItem)
	return true
}

func (m *mergeIter) Key() memtable.InternalKey { return m.cur.src.Key() }
func (m *mergeIter) Value() []byte             { return m.cur.src.Value() }
func (m *mergeIter) Err() error                { return m.err }

var _ mergeSource = (*sstable.Iterator)(nil)
