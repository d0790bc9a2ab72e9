package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvstorm/kvstorm/internal/memtable"
)

func writeTestTable(t *testing.T, path string, n int) {
	t.Helper()
	w, err := NewWriter(path, n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := memtable.InternalKey{UserKey: []byte(fmt.Sprintf("key-%04d", i)), Seq: uint64(i + 1), Kind: memtable.KindValue}
		require.NoError(t, w.Add(key, []byte(fmt.Sprintf("value-%04d", i))))
	}
	_, err = w.Finish()
	require.NoError(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	writeTestTable(t, path, 500)

	r, err := Open(path, NewBlockCache(16))
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value, kind, found, err := r.Get(key, uint64(i+1))
		require.NoError(t, err)
		require.True(t, found, "key %s should be found", key)
		require.Equal(t, memtable.KindValue, kind)
		require.Equal(t, fmt.Sprintf("value-%04d", i), string(value))
	}

	_, _, found, err := r.Get([]byte("missing-key"), 9999)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetRespectsSequenceCeiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000002.sst")
	w, err := NewWriter(path, 2)
	require.NoError(t, err)
	require.NoError(t, w.Add(memtable.InternalKey{UserKey: []byte("k"), Seq: 5, Kind: memtable.KindValue}, []byte("v5")))
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := Open(path, nil)
	require.NoError(t, err)
	defer r.Close()

	_, _, found, err := r.Get([]byte("k"), 4)
	require.NoError(t, err)
	require.False(t, found, "a read at seq 4 must not see an entry written at seq 5")

	_, _, found, err = r.Get([]byte("k"), 5)
	require.NoError(t, err)
	require.True(t, found)
}

func TestBloomFilterNeverFalseNegative(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000003.sst")
	writeTestTable(t, path, 2000)

	r, err := Open(path, nil)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.True(t, r.MayContain(key), "bloom filter must never reject a key that was added")
	}
}

func TestIteratorYieldsAscendingOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000004.sst")
	writeTestTable(t, path, 300)

	r, err := Open(path, NewBlockCache(4))
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator()
	count := 0
	var prev memtable.InternalKey
	havePrev := false
	for it.Next() {
		cur := it.Key()
		if havePrev {
			require.Less(t, memtable.Compare(prev, cur), 0, "iterator must yield strictly ascending internal keys")
		}
		prev = cur
		havePrev = true
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 300, count)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000005.sst")
	writeTestTable(t, path, 10)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupt := append([]byte(nil), raw...)
	// flip the last byte of the magic field in the footer.
	corrupt[len(corrupt)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, corrupt, 0o644))

	_, err = Open(path, nil)
	require.Error(t, err)
}
