package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetShardIsDeterministic(t *testing.T) {
	r := New(4, 150)
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		first := r.GetShard(key)
		second := r.GetShard(key)
		require.Equal(t, first, second)
	}
}

func TestGetShardDistributesAcrossShards(t *testing.T) {
	r := New(4, 150)
	seen := map[ShardID]bool{}
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		seen[r.GetShard(key)] = true
	}
	require.Greater(t, len(seen), 1, "2000 distinct keys over 4 shards should not all land on one shard")
}

func TestOverrideTakesPrecedence(t *testing.T) {
	r := New(4, 150)
	key := []byte("override-me")
	original := r.GetShard(key)
	target := original + 1

	require.NoError(t, r.MigrateKeyRange([]byte("a"), []byte("z"), original, target))
	require.Equal(t, target, r.GetShard(key))

	r.ReconcileOverride([]byte("a"), []byte("z"))
	require.Equal(t, original, r.GetShard(key))
}

func TestOverrideHalfOpenBoundary(t *testing.T) {
	r := New(2, 150)
	beforeN := r.GetShard([]byte("n"))

	require.NoError(t, r.MigrateKeyRange([]byte("m"), []byte("n"), 0, 1))

	require.Equal(t, ShardID(1), r.GetShard([]byte("m")))
	require.Equal(t, ShardID(1), r.GetShard([]byte("mz")))
	// "n" is the exclusive end of the range, so it must fall back to the
	// ring's static assignment rather than the override's target.
	require.Equal(t, beforeN, r.GetShard([]byte("n")))
}
