package lsm

import (
	"encoding/binary"
	"errors"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/sstable"
	"github.com/kvstorm/kvstorm/internal/wal"
)

// fileKey identifies one SSTable independent of the Meta describing it.
type fileKey struct {
	Level   int
	FileNum uint64
}

// edit is one version transition: files gained and files retired. The
// manifest is an append-only log of edits, reusing wal's checksummed
// frame format so a torn write at the tail is detected the same way a
// torn WAL record is.
type edit struct {
	Added   []*sstable.Meta
	Removed []fileKey
}

var errManifestPayload = errors.New("lsm: malformed manifest edit")

func encodeEdit(e edit) []byte {
	var buf []byte
	var tmp4 [4]byte

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(e.Added)))
	buf = append(buf, tmp4[:]...)
	for _, m := range e.Added {
		buf = append(buf, encodeMeta(m)...)
	}

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(e.Removed)))
	buf = append(buf, tmp4[:]...)
	for _, fk := range e.Removed {
		binary.LittleEndian.PutUint32(tmp4[:], uint32(fk.Level))
		buf = append(buf, tmp4[:]...)
		var tmp8 [8]byte
		binary.LittleEndian.PutUint64(tmp8[:], fk.FileNum)
		buf = append(buf, tmp8[:]...)
	}
	return buf
}

func encodeMeta(m *sstable.Meta) []byte {
	var buf []byte
	var tmp4 [4]byte
	var tmp8 [8]byte

	binary.LittleEndian.PutUint32(tmp4[:], uint32(m.Level))
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], m.FileNum)
	buf = append(buf, tmp8[:]...)

	buf = appendLenPrefixed(buf, m.Smallest)
	buf = appendLenPrefixed(buf, m.Largest)

	binary.LittleEndian.PutUint64(tmp8[:], uint64(m.Size))
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], uint64(m.EntryCount))
	buf = append(buf, tmp8[:]...)

	buf = appendLenPrefixed(buf, []byte(m.Path))
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(data)))
	buf = append(buf, tmp4[:]...)
	return append(buf, data...)
}

func readLenPrefixed(payload []byte, off int) ([]byte, int, error) {
	if off+4 > len(payload) {
		return nil, 0, errManifestPayload
	}
	n := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if off+n > len(payload) {
		return nil, 0, errManifestPayload
	}
	return append([]byte(nil), payload[off:off+n]...), off + n, nil
}

func decodeEdit(payload []byte) (edit, error) {
	var e edit
	off := 0
	if off+4 > len(payload) {
		return e, errManifestPayload
	}
	numAdded := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	for i := 0; i < numAdded; i++ {
		m, next, err := decodeMeta(payload, off)
		if err != nil {
			return e, err
		}
		off = next
		e.Added = append(e.Added, m)
	}

	if off+4 > len(payload) {
		return e, errManifestPayload
	}
	numRemoved := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	for i := 0; i < numRemoved; i++ {
		if off+4+8 > len(payload) {
			return e, errManifestPayload
		}
		level := int(binary.LittleEndian.Uint32(payload[off : off+4]))
		off += 4
		fileNum := binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8
		e.Removed = append(e.Removed, fileKey{Level: level, FileNum: fileNum})
	}
	return e, nil
}

func decodeMeta(payload []byte, off int) (*sstable.Meta, int, error) {
	if off+4+8 > len(payload) {
		return nil, 0, errManifestPayload
	}
	m := &sstable.Meta{}
	m.Level = int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	m.FileNum = binary.LittleEndian.Uint64(payload[off : off+8])
	off += 8

	var err error
	m.Smallest, off, err = readLenPrefixed(payload, off)
	if err != nil {
		return nil, 0, err
	}
	m.Largest, off, err = readLenPrefixed(payload, off)
	if err != nil {
		return nil, 0, err
	}

	if off+16 > len(payload) {
		return nil, 0, errManifestPayload
	}
	m.Size = int64(binary.LittleEndian.Uint64(payload[off : off+8]))
	off += 8
	m.EntryCount = int64(binary.LittleEndian.Uint64(payload[off : off+8]))
	off += 8

	var pathBytes []byte
	pathBytes, off, err = readLenPrefixed(payload, off)
	if err != nil {
		return nil, 0, err
	}
	m.Path = string(pathBytes)
	return m, off, nil
}

// manifest is the append-only edit log backing a versionSet, stored at
// <dataDir>/MANIFEST.
type manifest struct {
	w *wal.WAL
}

func openManifest(path string) (*manifest, error) {
	w, err := wal.Open(path)
	if err != nil {
		return nil, err
	}
	return &manifest{w: w}, nil
}

func (m *manifest) record(e edit) error {
	return m.w.Append(wal.Record{Type: wal.RecordPut, Value: encodeEdit(e)})
}

func (m *manifest) close() error { return m.w.Close() }

// replayManifest rebuilds a Version purely from the manifest log. found
// reports whether any edit was read at all, letting the caller fall back
// to a directory scan when the manifest is empty or absent.
func replayManifest(path string, numLevels int) (v *Version, maxFileNum uint64, found bool, err error) {
	v = newVersion(numLevels)
	err = wal.Replay(path, func(r wal.Record) error {
		found = true
		e, decErr := decodeEdit(r.Value)
		if decErr != nil {
			return errs.Wrap(errs.KindCorruption, "decode manifest edit", decErr)
		}
		for _, m := range e.Added {
			v.addFile(m)
			if m.FileNum > maxFileNum {
				maxFileNum = m.FileNum
			}
		}
		for _, fk := range e.Removed {
			v.removeFiles(fk.Level, map[uint64]bool{fk.FileNum: true})
		}
		return nil
	})
	return v, maxFileNum, found, err
}
