package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current.wal")

	w, err := Open(path)
	require.NoError(t, err)

	want := []Record{
		{Type: RecordPut, Key: []byte("alpha"), Value: []byte("1"), Sequence: 1},
		{Type: RecordPut, Key: []byte("beta"), Value: []byte("2"), Sequence: 2},
		{Type: RecordDelete, Key: []byte("alpha"), Sequence: 3},
	}
	for _, r := range want {
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Close())

	var got []Record
	require.NoError(t, Replay(path, func(r Record) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Type, got[i].Type)
		require.Equal(t, want[i].Key, got[i].Key)
		require.Equal(t, want[i].Value, got[i].Value)
		require.Equal(t, want[i].Sequence, got[i].Sequence)
	}
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current.wal")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Type: RecordPut, Key: []byte("k1"), Value: []byte("v1"), Sequence: 1}))
	require.NoError(t, w.Append(Record{Type: RecordPut, Key: []byte("k2"), Value: []byte("v2"), Sequence: 2}))
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)

	// Truncate mid-way through the second frame's payload.
	require.NoError(t, os.Truncate(path, info.Size()-2))

	var got []Record
	require.NoError(t, Replay(path, func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	require.Equal(t, []byte("k1"), got[0].Key)
}

func TestReplayRejectsBadChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current.wal")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Type: RecordPut, Key: []byte("k1"), Value: []byte("v1"), Sequence: 1}))
	require.NoError(t, w.Append(Record{Type: RecordPut, Key: []byte("k2"), Value: []byte("v2"), Sequence: 2}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	// Corrupt the checksum of the first frame.
	var corrupt [4]byte
	binary.LittleEndian.PutUint32(corrupt[:], 0xDEADBEEF)
	_, err = f.WriteAt(corrupt[:], 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []Record
	require.NoError(t, Replay(path, func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 0)
}
