package memtable

import (
	"math/rand"
	"sync/atomic"
	"time"
)

var seedCounter atomic.Int64

// maxHeight caps the skip list's level count (spec §4.2: "capped at a
// compile-time maximum (>=12)").
const maxHeight = 16

// p is the geometric height parameter (spec: "drawn geometrically with
// parameter 1/4").
const p = 0.25

type node struct {
	key     InternalKey
	value   []byte
	forward []atomic.Pointer[node]
}

func newNode(key InternalKey, value []byte, height int) *node {
	return &node{key: key, value: value, forward: make([]atomic.Pointer[node], height)}
}

// skipList is an arena-free probabilistic skip list ordered by
// InternalKey. Writers hold the owning MemTable's mutex; readers
// traverse lock-free, relying on atomic.Pointer's Store/Load to publish
// and observe forward-pointer updates in order (spec §4.2, §9's
// "ownership of skip-list nodes" note: nodes are owned by the MemTable
// for the whole table's lifetime and reclaimed in bulk when it is
// discarded, so there is no per-node free to race with a reader).
type skipList struct {
	head   *node
	height atomic.Int32
	rng    *rand.Rand
}

func newSkipList() *skipList {
	seed := time.Now().UnixNano() + seedCounter.Add(1)
	sl := &skipList{head: newNode(InternalKey{}, nil, maxHeight), rng: rand.New(rand.NewSource(seed))}
	sl.height.Store(1)
	return sl
}

func (sl *skipList) randomHeight() int {
	h := 1
	for h < maxHeight && sl.rng.Float64() < p {
		h++
	}
	return h
}

// findPredecessors fills update with, for each level, the last node whose
// key compares strictly less than key.
func (sl *skipList) findPredecessors(key InternalKey, update []*node) *node {
	cur := sl.head
	for lvl := int(sl.height.Load()) - 1; lvl >= 0; lvl-- {
		for {
			next := cur.forward[lvl].Load()
			if next == nil || Compare(next.key, key) >= 0 {
				break
			}
			cur = next
		}
		update[lvl] = cur
	}
	return cur
}

// insert adds a new node for key (which must not already exist — every
// sequence number is unique per spec §4.2, so inserts never update in
// place).
func (sl *skipList) insert(key InternalKey, value []byte) {
	var update [maxHeight]*node
	sl.findPredecessors(key, update[:])

	height := sl.randomHeight()
	if height > int(sl.height.Load()) {
		for lvl := int(sl.height.Load()); lvl < height; lvl++ {
			update[lvl] = sl.head
		}
		sl.height.Store(int32(height))
	}

	n := newNode(key, value, height)
	for lvl := 0; lvl < height; lvl++ {
		n.forward[lvl].Store(update[lvl].forward[lvl].Load())
		update[lvl].forward[lvl].Store(n)
	}
}

// ceilingGet returns the first node whose key is >= target, or nil.
func (sl *skipList) ceilingGet(target InternalKey) *node {
	cur := sl.head
	for lvl := int(sl.height.Load()) - 1; lvl >= 0; lvl-- {
		for {
			next := cur.forward[lvl].Load()
			if next == nil || Compare(next.key, target) >= 0 {
				break
			}
			cur = next
		}
	}
	return cur.forward[0].Load()
}

// forEach invokes cb for every entry in ascending internal-key order,
// stopping early if cb returns false.
func (sl *skipList) forEach(cb func(InternalKey, []byte) bool) {
	cur := sl.head.forward[0].Load()
	for cur != nil {
		if !cb(cur.key, cur.value) {
			return
		}
		cur = cur.forward[0].Load()
	}
}
