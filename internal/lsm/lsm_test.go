package lsm

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{
		MemtableSizeBytes:   2048,
		NumLevels:           4,
		L0CompactionTrigger: 3,
		L0StopWritesTrigger: 20,
		BlockCacheBlocks:    64,
	}
}

func TestPutGetAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	eng, err := Open(dir, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, eng.Put([]byte("a"), []byte("1")))
	require.NoError(t, eng.Put([]byte("b"), []byte("2")))
	require.NoError(t, eng.Delete([]byte("a")))

	v, found, err := eng.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))

	_, found, err = eng.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, eng.Close())

	eng2, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer eng2.Close()

	v, found, err = eng2.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))

	_, found, err = eng2.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestFlushAndCompact(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig()

	eng, err := Open(dir, cfg)
	require.NoError(t, err)
	defer eng.Close()

	// Write enough distinct keys, forcing several memtable rotations and
	// L0 flushes.
	for i := 0; i < 400; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("value-%05d-%s", i, string(make([]byte, 32))))
		require.NoError(t, eng.Put(key, val))
	}
	require.NoError(t, eng.flushImmutable())

	stats := eng.Stats()
	require.GreaterOrEqual(t, stats.L0Files, 1)

	require.NoError(t, eng.CompactNow())

	for i := 0; i < 400; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		_, found, err := eng.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s must survive compaction", key)
	}
}

func TestDeletionShadowedAtDeepestLevelIsDropped(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig()
	cfg.NumLevels = 2 // so L1 is the deepest level, reachable in one compaction

	eng, err := Open(dir, cfg)
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Put([]byte("x"), []byte("v1")))
	eng.writeMu.Lock()
	require.NoError(t, eng.rotate())
	eng.writeMu.Unlock()
	require.NoError(t, eng.flushImmutable())
	require.NoError(t, eng.CompactNow())

	require.NoError(t, eng.Delete([]byte("x")))
	eng.writeMu.Lock()
	require.NoError(t, eng.rotate())
	eng.writeMu.Unlock()
	require.NoError(t, eng.flushImmutable())
	require.NoError(t, eng.CompactNow())

	_, found, err := eng.Get([]byte("x"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer eng.Close()

	require.DirExists(t, filepath.Join(dir, "wal"))
	require.DirExists(t, filepath.Join(dir, "sst", "L0"))
	require.FileExists(t, currentWALPath(dir))
}
