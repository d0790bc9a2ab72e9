package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	m := New(1 << 20)
	m.Put([]byte("alpha"), []byte("1"), 1)
	m.Put([]byte("beta"), []byte("2"), 2)

	v, res := m.Get([]byte("alpha"))
	require.Equal(t, FoundValue, res)
	require.Equal(t, []byte("1"), v)

	m.Delete([]byte("alpha"), 3)
	_, res = m.Get([]byte("alpha"))
	require.Equal(t, FoundDeletion, res)

	v, res = m.Get([]byte("beta"))
	require.Equal(t, FoundValue, res)
	require.Equal(t, []byte("2"), v)

	_, res = m.Get([]byte("missing"))
	require.Equal(t, NotFound, res)
}

func TestHighestSequenceWins(t *testing.T) {
	m := New(1 << 20)
	m.Put([]byte("k"), []byte("old"), 1)
	m.Put([]byte("k"), []byte("new"), 5)
	v, res := m.Get([]byte("k"))
	require.Equal(t, FoundValue, res)
	require.Equal(t, []byte("new"), v)
}

func TestForEachOrderingAndCoverage(t *testing.T) {
	m := New(1 << 20)
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for i, k := range keys {
		m.Put([]byte(k), []byte(fmt.Sprint(i)), uint64(i+1))
	}

	var seen []InternalKey
	m.ForEach(func(ik InternalKey, _ []byte) bool {
		seen = append(seen, ik)
		return true
	})
	require.Len(t, seen, len(keys))
	for i := 1; i < len(seen); i++ {
		require.LessOrEqual(t, Compare(seen[i-1], seen[i]), 0)
	}
}

func TestShouldFlush(t *testing.T) {
	m := New(16)
	require.False(t, m.ShouldFlush())
	m.Put([]byte("longenoughkey"), []byte("longenoughvalue"), 1)
	require.True(t, m.ShouldFlush())
}
