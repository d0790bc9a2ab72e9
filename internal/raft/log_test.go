package raft

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft_log.dat")

	l, err := openLog(path)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append(LogEntry{Term: 1, Index: i, Type: EntryNormal, Command: []byte("cmd")}))
	}
	require.NoError(t, l.close())

	l2, err := openLog(path)
	require.NoError(t, err)
	defer l2.close()

	require.Equal(t, uint64(5), l2.LastIndex())
	require.Equal(t, uint64(1), l2.LastTerm())
	e, ok := l2.Get(3)
	require.True(t, ok)
	require.Equal(t, uint64(3), e.Index)
}

func TestLogTruncateFromDropsSuffix(t *testing.T) {
	dir := t.TempDir()
	l, err := openLog(filepath.Join(dir, "raft_log.dat"))
	require.NoError(t, err)
	defer l.close()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append(LogEntry{Term: 1, Index: i}))
	}
	require.NoError(t, l.TruncateFrom(3))
	require.Equal(t, uint64(2), l.LastIndex())

	_, ok := l.Get(3)
	require.False(t, ok)
}

func TestLogCompactBeforeMakesEarlierLookupFatal(t *testing.T) {
	dir := t.TempDir()
	l, err := openLog(filepath.Join(dir, "raft_log.dat"))
	require.NoError(t, err)
	defer l.close()

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, l.Append(LogEntry{Term: 1, Index: i}))
	}
	require.NoError(t, l.CompactBefore(6))
	require.Equal(t, uint64(10), l.LastIndex())

	e, ok := l.Get(6)
	require.True(t, ok)
	require.Equal(t, uint64(6), e.Index)

	require.Panics(t, func() {
		l.MustGet(3)
	}, "a lookup below the compacted prefix must be treated as fatal")
}

func TestStateStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft_state.dat")

	s, initial, err := openStateStore(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0), initial.CurrentTerm)
	require.Equal(t, int64(-1), initial.VotedFor)

	require.NoError(t, s.save(PersistentState{CurrentTerm: 7, VotedFor: 3}))
	require.NoError(t, s.close())

	s2, reopened, err := openStateStore(path)
	require.NoError(t, err)
	defer s2.close()
	require.Equal(t, uint64(7), reopened.CurrentTerm)
	require.Equal(t, int64(3), reopened.VotedFor)
}
