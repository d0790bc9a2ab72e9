// Package memtable implements the in-memory, size-accounted, ordered
// write buffer described in spec §4.2: a probabilistic skip list keyed
// by internal key, single-writer/many-reader, with size accounting used
// to trigger LSM flushes.
package memtable

import (
	"math"
	"sync"
	"sync/atomic"
)

// perEntryOverhead approximates the bookkeeping cost of one entry beyond
// its raw key/value bytes (spec §4.2: "len(key) + len(value) + constant").
const perEntryOverhead = 32

// MemTable is an ordered, mutable buffer of the most recent writes.
type MemTable struct {
	mu      sync.Mutex
	list    *skipList
	size    atomic.Int64
	entries atomic.Int64

	flushThreshold int64
}

// New creates an empty MemTable that reports ShouldFlush once its
// approximate size crosses flushThreshold bytes.
func New(flushThreshold int64) *MemTable {
	return &MemTable{list: newSkipList(), flushThreshold: flushThreshold}
}

// Put inserts a live value at the given sequence number.
func (m *MemTable) Put(userKey, value []byte, seq uint64) {
	m.insert(InternalKey{UserKey: userKey, Seq: seq, Kind: KindValue}, value)
}

// Delete inserts a tombstone at the given sequence number.
func (m *MemTable) Delete(userKey []byte, seq uint64) {
	m.insert(InternalKey{UserKey: userKey, Seq: seq, Kind: KindDeletion}, nil)
}

func (m *MemTable) insert(key InternalKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.list.insert(key, value)
	m.size.Add(int64(len(key.UserKey) + len(value) + perEntryOverhead))
	m.entries.Add(1)
}

// Result is the outcome of a Get lookup.
type Result int

const (
	// NotFound means no entry for this user key exists in the table.
	NotFound Result = iota
	// FoundValue means the newest entry is a live value.
	FoundValue
	// FoundDeletion means the newest entry is a tombstone.
	FoundDeletion
)

// Get finds the newest entry for userKey: the node with the smallest
// internal key >= (userKey, +inf) per spec §4.2.
func (m *MemTable) Get(userKey []byte) ([]byte, Result) {
	target := InternalKey{UserKey: userKey, Seq: math.MaxUint64}
	n := m.list.ceilingGet(target)
	if n == nil || !equalUserKey(n.key.UserKey, userKey) {
		return nil, NotFound
	}
	if n.key.Kind == KindDeletion {
		return nil, FoundDeletion
	}
	return n.value, FoundValue
}

// GetAt finds the newest entry for userKey visible at or before seq.
func (m *MemTable) GetAt(userKey []byte, seq uint64) ([]byte, Result) {
	target := InternalKey{UserKey: userKey, Seq: seq}
	n := m.list.ceilingGet(target)
	if n == nil || !equalUserKey(n.key.UserKey, userKey) {
		return nil, NotFound
	}
	if n.key.Kind == KindDeletion {
		return nil, FoundDeletion
	}
	return n.value, FoundValue
}

func equalUserKey(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ForEach invokes cb once per entry in ascending internal-key order.
func (m *MemTable) ForEach(cb func(InternalKey, []byte) bool) {
	m.list.forEach(cb)
}

// ApproximateSize returns the accumulated byte-size estimate.
func (m *MemTable) ApproximateSize() int64 { return m.size.Load() }

// EntryCount returns the number of entries inserted so far.
func (m *MemTable) EntryCount() int64 { return m.entries.Load() }

// ShouldFlush reports whether the approximate size has crossed the
// configured threshold.
func (m *MemTable) ShouldFlush() bool { return m.size.Load() >= m.flushThreshold }
