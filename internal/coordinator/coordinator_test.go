package coordinator

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvstorm/kvstorm/internal/lsm"
	"github.com/kvstorm/kvstorm/internal/predictor"
	"github.com/kvstorm/kvstorm/internal/raft"
)

// fakeBackend is an in-memory StorageBackend used so the coordinator's
// routing and apply logic can be exercised without a real LSM tree.
type fakeBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string][]byte)}
}

func (f *fakeBackend) Load(key []byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[string(key)]
	return v, ok, nil
}

func (f *fakeBackend) Store(key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeBackend) Remove(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, string(key))
	return nil
}

func (f *fakeBackend) BatchStore(ops []lsm.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case lsm.OpPut:
			f.data[string(op.Key)] = append([]byte(nil), op.Value...)
		case lsm.OpDelete:
			delete(f.data, string(op.Key))
		}
	}
	return nil
}

func (f *fakeBackend) Ping() error { return nil }

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Stats() lsm.EngineStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sz int64
	for k, v := range f.data {
		sz += int64(len(k) + len(v))
	}
	return lsm.EngineStats{ActiveMemtableBytes: sz}
}

func (f *fakeBackend) ScanRange(start, end []byte) ([][]byte, [][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys [][]byte
	for k := range f.data {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, kb)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = f.data[string(k)]
	}
	return keys, values, nil
}

// newSingleNodeCoordinator builds a one-node cluster (no peers, so it
// elects itself leader almost immediately) with a fake storage backend,
// for tests that exercise the client-facing Get/Put/Delete path without
// touching disk.
func newSingleNodeCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	backend := newFakeBackend()

	cfg := Config{
		NodeID:         1,
		Peers:          nil,
		DataDir:        t.TempDir(),
		NumShards:      4,
		VnodesPerShard: 16,
		Transport:      raft.NewFakeTransport(1),
		Raft: raft.Config{
			TickPeriod:        5 * time.Millisecond,
			HeartbeatInterval: 15 * time.Millisecond,
			ElectionMinMs:     30,
			ElectionMaxMs:     60,
			ApplyPeriod:       3 * time.Millisecond,
		},
		Predictor: predictor.Config{MinSamplesToTrain: 1 << 30}, // effectively disable background training
	}

	c, err := openWithStore(cfg, backend)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	require.Eventually(t, func() bool { return c.node.Role() == raft.Leader }, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	c := newSingleNodeCoordinator(t)
	t.Cleanup(func() { c.Shutdown() })

	put := c.Put([]byte("k1"), []byte("v1"))
	require.True(t, put.Accepted)

	require.Eventually(t, func() bool {
		got := c.Get([]byte("k1"))
		return got.Found && bytes.Equal(got.Value, []byte("v1"))
	}, time.Second, 5*time.Millisecond, "put must become visible once applied")

	del := c.Delete([]byte("k1"))
	require.True(t, del.Accepted)

	require.Eventually(t, func() bool {
		got := c.Get([]byte("k1"))
		return !got.Found
	}, time.Second, 5*time.Millisecond, "delete must become visible once applied")
}

func TestPutOnNonLeaderIsRejectedWithHint(t *testing.T) {
	// A node configured with an unreachable peer never wins an election
	// (it can vote for itself but never reaches the 2-node quorum), so
	// it remains a follower/candidate forever and every Put is rejected.
	backend := newFakeBackend()
	transport := raft.NewFakeTransport(1)
	cfg := Config{
		NodeID:         1,
		Peers:          []uint64{2},
		DataDir:        t.TempDir(),
		NumShards:      2,
		VnodesPerShard: 8,
		Transport:      transport,
		Raft: raft.Config{
			TickPeriod:    5 * time.Millisecond,
			ElectionMinMs: 20,
			ElectionMaxMs: 40,
		},
		Predictor: predictor.Config{MinSamplesToTrain: 1 << 30},
	}
	c, err := openWithStore(cfg, backend)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	t.Cleanup(func() { c.Shutdown() })

	time.Sleep(200 * time.Millisecond)
	require.NotEqual(t, raft.Leader, c.node.Role())

	result := c.Put([]byte("k"), []byte("v"))
	require.False(t, result.Accepted)
}

func TestStatsReportsStorageRingRaftAndPredictor(t *testing.T) {
	c := newSingleNodeCoordinator(t)
	t.Cleanup(func() { c.Shutdown() })

	put := c.Put([]byte("a"), []byte("bbbb"))
	require.True(t, put.Accepted)

	require.Eventually(t, func() bool {
		return c.Get([]byte("a")).Found
	}, time.Second, 5*time.Millisecond)

	stats := c.Stats()
	require.Equal(t, "leader", stats.Raft.Role)
	require.GreaterOrEqual(t, stats.Raft.CommitIndex, uint64(1))
	require.Equal(t, 4*16, stats.Ring.NumVnodes)
	require.Len(t, stats.Predictor.Forecast, 4)
}

func TestMigrationAppliesRingOverrideAndTransfersKeys(t *testing.T) {
	c := newSingleNodeCoordinator(t)
	t.Cleanup(func() { c.Shutdown() })

	put := c.Put([]byte("m1"), []byte("v1"))
	require.True(t, put.Accepted)
	require.Eventually(t, func() bool { return c.Get([]byte("m1")).Found }, time.Second, 5*time.Millisecond)

	rec := struct{ From, To int }{From: 0, To: 1}
	c.OnRecommendation(
		predictorRecommendation(rec.From, rec.To),
		[]byte("m0"), []byte("n0"),
	)

	require.Eventually(t, func() bool {
		snap := c.ring.Snapshot()
		return len(snap.Overrides) == 1
	}, time.Second, 5*time.Millisecond, "shard move must install a ring override once committed")
}

func predictorRecommendation(from, to int) predictor.Recommendation {
	return predictor.Recommendation{From: from, To: to, Confidence: 1}
}
