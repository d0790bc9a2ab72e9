// Package ring implements the consistent-hash ring described in spec
// §4.6: virtual nodes over a numeric shard space, plus an override list
// so an in-flight key-range migration can redirect lookups before the
// ring itself is rebalanced.
package ring

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"sort"
	"sync"
)

// ShardID identifies one shard.
type ShardID uint32

// Override redirects lookups for keys in [Start, End) to Target, used
// while a migration is in flight and the ring's static assignment has
// not yet been rebalanced.
type Override struct {
	Start, End []byte
	Target     ShardID
}

// Ring is a consistent-hash ring with V virtual nodes per shard.
type Ring struct {
	mu        sync.RWMutex
	v         int
	vnodes    []uint64 // sorted
	owner     map[uint64]ShardID
	overrides []Override
}

// New builds a ring over numShards shards, each represented by
// vnodesPerShard virtual nodes.
func New(numShards, vnodesPerShard int) *Ring {
	r := &Ring{
		v:     vnodesPerShard,
		owner: make(map[uint64]ShardID, numShards*vnodesPerShard),
	}
	for s := 0; s < numShards; s++ {
		for i := 0; i < vnodesPerShard; i++ {
			h := vnodeHash(ShardID(s), i)
			r.vnodes = append(r.vnodes, h)
			r.owner[h] = ShardID(s)
		}
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i] < r.vnodes[j] })
	return r
}

// vnodeHash widens crc32's 32-bit spread to a full 64 bits by combining
// it with an independent fnv64a pass over the same label, per §4.6.
func vnodeHash(shard ShardID, idx int) uint64 {
	label := fmt.Sprintf("%d#%d", shard, idx)
	lo := crc32.ChecksumIEEE([]byte(label))
	h := fnv.New64a()
	h.Write([]byte(label))
	hi := h.Sum64()
	return uint64(lo)<<32 ^ hi
}

func keyHash(key []byte) uint64 {
	lo := crc32.ChecksumIEEE(key)
	h := fnv.New64a()
	h.Write(key)
	hi := h.Sum64()
	return uint64(lo)<<32 ^ hi
}

// GetShard resolves key to the shard currently responsible for it.
// Overrides are checked first since a migration in flight takes
// precedence over the ring's static assignment.
func (r *Ring) GetShard(key []byte) ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.overrides {
		if inHalfOpenRange(key, o.Start, o.End) {
			return o.Target
		}
	}

	h := keyHash(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i] >= h })
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.owner[r.vnodes[idx]]
}

func inHalfOpenRange(key, start, end []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}

// MigrateKeyRange registers an override redirecting [start, end) to to.
// It does not validate that from is the range's currently-resolved
// shard, so this is accepted unconditionally.
func (r *Ring) MigrateKeyRange(start, end []byte, from, to ShardID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = append(r.overrides, Override{Start: start, End: end, Target: to})
	return nil
}

// ReconcileOverride removes the first override matching [start, end),
// called once a migration has actually been realized in storage.
func (r *Ring) ReconcileOverride(start, end []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.overrides {
		if bytes.Equal(o.Start, start) && bytes.Equal(o.End, end) {
			r.overrides = append(r.overrides[:i], r.overrides[i+1:]...)
			return
		}
	}
}

// RingView is a read-only snapshot of ring state for reporting.
type RingView struct {
	VnodesPerShard int
	NumVnodes      int
	Overrides      []Override
}

// Snapshot returns a copy of the ring's current shape for stats/debug
// endpoints.
func (r *Ring) Snapshot() RingView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RingView{
		VnodesPerShard: r.v,
		NumVnodes:      len(r.vnodes),
		Overrides:      append([]Override(nil), r.overrides...),
	}
}
