package raft

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testCluster wires N nodes together with FakeTransport, running each
// Node.Run on its own goroutine, and tracks applied entries per node so
// tests can assert on apply-order invariants (spec §8, property 7).
type testCluster struct {
	nodes      map[uint64]*Node
	transports map[uint64]*FakeTransport

	mu      sync.Mutex
	applied map[uint64][]uint64 // nodeID -> applied indices in order
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{
		nodes:      make(map[uint64]*Node),
		transports: make(map[uint64]*FakeTransport),
		applied:    make(map[uint64][]uint64),
	}

	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		ids[i] = uint64(i + 1)
	}

	for _, id := range ids {
		id := id
		var peers []uint64
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		tr := NewFakeTransport(id)
		dir := filepath.Join(t.TempDir(), fmt.Sprintf("node-%d", id))
		cfg := Config{
			ID:      id,
			Peers:   peers,
			DataDir: dir,
			Rand:    rand.New(rand.NewSource(int64(id))),
			Apply: func(index uint64, entry LogEntry) error {
				c.mu.Lock()
				c.applied[id] = append(c.applied[id], index)
				c.mu.Unlock()
				return nil
			},
			TickPeriod:        10 * time.Millisecond,
			HeartbeatInterval: 30 * time.Millisecond,
			ElectionMinMs:     100,
			ElectionMaxMs:     200,
			ApplyPeriod:       5 * time.Millisecond,
		}
		node, err := NewNode(cfg, tr)
		require.NoError(t, err)
		c.nodes[id] = node
		c.transports[id] = tr
	}
	for _, id := range ids {
		for _, other := range ids {
			if other != id {
				c.transports[id].Link(other, c.nodes[other])
			}
		}
	}
	return c
}

func (c *testCluster) run(ctx context.Context) {
	for _, n := range c.nodes {
		go n.Run(ctx)
	}
}

func (c *testCluster) leader() *Node {
	for _, n := range c.nodes {
		if n.Role() == Leader {
			return n
		}
	}
	return nil
}

func (c *testCluster) waitForLeader(t *testing.T, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.leader(); l != nil {
			return l
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestElectionProducesExactlyOneLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.run(ctx)

	leader := c.waitForLeader(t, 5*time.Second)
	require.NotNil(t, leader)

	time.Sleep(100 * time.Millisecond)
	count := 0
	for _, n := range c.nodes {
		if n.Role() == Leader {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestElectionAfterLeaderFailureProducesNewLeaderWithHigherTerm(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.run(ctx)

	first := c.waitForLeader(t, 5*time.Second)
	firstTerm := first.Term()

	// Simulate the leader failing by cutting it off in both directions:
	// every peer's route to it, and its own route to every peer.
	for id, tr := range c.transports {
		if id != first.id {
			tr.Dropped[first.id] = true
			c.transports[first.id].Dropped[id] = true
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	var second *Node
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.id != first.id && n.Role() == Leader && n.Term() > firstTerm {
				second = n
			}
		}
		if second != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, second, "a survivor must become leader with a strictly greater term")
}

func TestReplicationUnderPartitionCatchesUpOnReconnect(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.run(ctx)

	leader := c.waitForLeader(t, 5*time.Second)

	var cID uint64
	for id := range c.nodes {
		if id != leader.id {
			cID = id
			break
		}
	}
	for id, tr := range c.transports {
		if id != cID {
			tr.Dropped[cID] = true
		}
	}
	c.transports[cID].Dropped[leader.id] = true

	for i := 0; i < 100; i++ {
		accepted, _, _, _ := leader.Propose([]byte(fmt.Sprintf("put-%d", i)))
		require.True(t, accepted)
	}

	require.Eventually(t, func() bool {
		return leader.CommitIndex() >= 100
	}, 5*time.Second, 20*time.Millisecond, "leader must commit all 100 proposals with two live followers")

	for id, tr := range c.transports {
		if id != cID {
			delete(tr.Dropped, cID)
		}
	}
	delete(c.transports[cID].Dropped, leader.id)

	require.Eventually(t, func() bool {
		return c.nodes[cID].log.LastIndex() >= leader.log.LastIndex()
	}, 5*time.Second, 20*time.Millisecond, "reconnected node must catch up to the leader's last index")
}

func TestConflictingSuffixIsOverwrittenByNewLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.run(ctx)

	leader := c.waitForLeader(t, 5*time.Second)
	var followerID uint64
	for id := range c.nodes {
		if id != leader.id {
			followerID = id
			break
		}
	}
	follower := c.nodes[followerID]

	// Isolate the follower, then feed it 5 divergent entries at the
	// current term directly, simulating a follower whose suffix diverges
	// from what the (possibly new) leader will hold.
	for id, tr := range c.transports {
		if id != followerID {
			tr.Dropped[followerID] = true
		}
	}
	c.transports[followerID].Dropped[leader.id] = true

	staleTerm := leader.Term()
	base := follower.log.LastIndex()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, follower.log.Append(LogEntry{
			Term:    staleTerm,
			Index:   base + i,
			Type:    EntryNormal,
			Command: []byte(fmt.Sprintf("divergent-%d", i)),
		}))
	}
	divergentLast := follower.log.LastIndex()

	// Reconnect and let the current leader (whichever it is by now)
	// propose fresh entries; the leader's replication round must repair
	// the follower's divergent suffix per spec §4.4/§8 S5.
	for _, tr := range c.transports {
		delete(tr.Dropped, followerID)
	}
	delete(c.transports[followerID].Dropped, leader.id)

	newLeader := c.waitForLeader(t, 5*time.Second)
	for i := 0; i < 10; i++ {
		accepted, _, _, _ := newLeader.Propose([]byte(fmt.Sprintf("repair-%d", i)))
		_ = accepted
	}

	require.Eventually(t, func() bool {
		leaderLast := newLeader.log.LastIndex()
		if follower.log.LastIndex() != leaderLast {
			return false
		}
		for idx := uint64(1); idx <= leaderLast; idx++ {
			ft, fok := follower.log.TermAt(idx)
			lt, lok := newLeader.log.TermAt(idx)
			if fok != lok || ft != lt {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "follower's divergent suffix must be fully overwritten to match the leader")
	require.Greater(t, follower.log.LastIndex(), divergentLast-1)
}

func TestApplierAdvancesIndicesStrictlyInOrderWithNoGaps(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.run(ctx)

	leader := c.waitForLeader(t, 5*time.Second)
	for i := 0; i < 20; i++ {
		accepted, _, _, _ := leader.Propose([]byte(fmt.Sprintf("v-%d", i)))
		require.True(t, accepted)
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.applied[leader.id]) >= 20
	}, 5*time.Second, 20*time.Millisecond)

	c.mu.Lock()
	seq := append([]uint64(nil), c.applied[leader.id]...)
	c.mu.Unlock()
	for i, idx := range seq {
		require.Equal(t, uint64(i+1), idx, "applied indices must be strictly increasing with no gaps")
	}
}

func TestProposeRejectsOnFollower(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.run(ctx)

	leader := c.waitForLeader(t, 5*time.Second)
	var follower *Node
	for _, n := range c.nodes {
		if n.id != leader.id {
			follower = n
			break
		}
	}
	accepted, _, _, hint := follower.Propose([]byte("x"))
	require.False(t, accepted)
	require.Equal(t, fmt.Sprintf("%d", leader.id), hint)
}
