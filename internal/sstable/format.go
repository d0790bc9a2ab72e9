// Package sstable implements the immutable, sorted, on-disk run described
// in spec §3/§4.3: data blocks, an index block, a bloom-filter meta
// block, and a fixed footer with a magic number.
package sstable

import (
	"encoding/binary"
	"errors"

	"github.com/kvstorm/kvstorm/internal/memtable"
)

// magic identifies a well-formed SSTable footer.
const magic uint64 = 0x4B565353544231

// targetBlockSize is the approximate size at which a data block is
// flushed to disk.
const targetBlockSize = 4096

// footerSize is the fixed on-disk footer length in bytes:
// indexOffset(8) + indexLen(8) + metaOffset(8) + metaLen(8) +
// entryCount(8) + magic(8).
const footerSize = 48

var (
	errShortMeta   = errors.New("sstable: meta block too short")
	errBadMagic    = errors.New("sstable: bad magic, not a valid file")
	errOutOfOrder  = errors.New("sstable: entries must be written in ascending internal-key order")
	errFileTooSmall = errors.New("sstable: file too small to contain a footer")
)

// entry is one on-disk (internal key, value) pair.
type entry struct {
	key   memtable.InternalKey
	value []byte
}

// encodeEntry writes [ulen:4][userKey][seq:8][kind:1][vlen:4][value].
func encodeEntry(e entry) []byte {
	buf := make([]byte, 0, 4+len(e.key.UserKey)+8+1+4+len(e.value))
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(e.key.UserKey)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, e.key.UserKey...)

	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], e.key.Seq)
	buf = append(buf, tmp8[:]...)

	buf = append(buf, byte(e.key.Kind))

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(e.value)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, e.value...)
	return buf
}

// decodeEntries parses every entry out of a raw data block.
func decodeEntries(block []byte) ([]entry, error) {
	var out []entry
	off := 0
	for off < len(block) {
		if off+4 > len(block) {
			return nil, errShortMeta
		}
		ulen := int(binary.LittleEndian.Uint32(block[off : off+4]))
		off += 4
		if off+ulen > len(block) {
			return nil, errShortMeta
		}
		userKey := block[off : off+ulen]
		off += ulen

		if off+8+1+4 > len(block) {
			return nil, errShortMeta
		}
		seq := binary.LittleEndian.Uint64(block[off : off+8])
		off += 8
		kind := memtable.Kind(block[off])
		off++
		vlen := int(binary.LittleEndian.Uint32(block[off : off+4]))
		off += 4
		if off+vlen > len(block) {
			return nil, errShortMeta
		}
		value := block[off : off+vlen]
		off += vlen

		out = append(out, entry{key: memtable.InternalKey{UserKey: userKey, Seq: seq, Kind: kind}, value: value})
	}
	return out, nil
}

// indexEntry maps the largest user key in a block to that block's file
// location.
type indexEntry struct {
	largestUserKey []byte
	offset         int64
	length         int64
}

func encodeIndexEntry(e indexEntry) []byte {
	buf := make([]byte, 0, 4+len(e.largestUserKey)+8+8)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(e.largestUserKey)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, e.largestUserKey...)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], uint64(e.offset))
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], uint64(e.length))
	buf = append(buf, tmp8[:]...)
	return buf
}

func decodeIndexBlock(block []byte) ([]indexEntry, error) {
	var out []indexEntry
	off := 0
	for off < len(block) {
		if off+4 > len(block) {
			return nil, errShortMeta
		}
		klen := int(binary.LittleEndian.Uint32(block[off : off+4]))
		off += 4
		if off+klen+8+8 > len(block) {
			return nil, errShortMeta
		}
		key := append([]byte(nil), block[off:off+klen]...)
		off += klen
		offset := int64(binary.LittleEndian.Uint64(block[off : off+8]))
		off += 8
		length := int64(binary.LittleEndian.Uint64(block[off : off+8]))
		off += 8
		out = append(out, indexEntry{largestUserKey: key, offset: offset, length: length})
	}
	return out, nil
}
