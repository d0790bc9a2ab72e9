package sstable

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/memtable"
)

// Reader opens an immutable SSTable file for point lookups and
// full-scan iteration.
type Reader struct {
	path  string
	f     *os.File
	index []indexEntry
	bloom *BloomFilter
	cache *BlockCache

	EntryCount int64
}

// Open reads the footer, index block, and bloom filter eagerly. A bad
// magic or truncated footer is reported as a corruption error; the
// caller (the LSM engine's recovery scan) is responsible for skipping
// such a file rather than adding it to the version (spec §7).
func Open(path string, cache *BlockCache) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOTransient, "open sstable", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIOTransient, "stat sstable", err)
	}
	if info.Size() < footerSize {
		f.Close()
		return nil, errs.Wrap(errs.KindCorruption, "sstable footer", errFileTooSmall)
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, info.Size()-footerSize); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIOTransient, "read sstable footer", err)
	}
	gotMagic := binary.LittleEndian.Uint64(footer[40:48])
	if gotMagic != magic {
		f.Close()
		return nil, errs.Wrap(errs.KindCorruption, "sstable magic", errBadMagic)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	indexLen := int64(binary.LittleEndian.Uint64(footer[8:16]))
	metaOffset := int64(binary.LittleEndian.Uint64(footer[16:24]))
	metaLen := int64(binary.LittleEndian.Uint64(footer[24:32]))
	entryCount := int64(binary.LittleEndian.Uint64(footer[32:40]))

	indexBuf := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBuf, indexOffset); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIOTransient, "read sstable index", err)
	}
	index, err := decodeIndexBlock(indexBuf)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindCorruption, "decode sstable index", err)
	}

	metaBuf := make([]byte, metaLen)
	if _, err := f.ReadAt(metaBuf, metaOffset); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIOTransient, "read sstable meta", err)
	}
	bloom, err := DecodeBloomFilter(metaBuf)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindCorruption, "decode sstable bloom filter", err)
	}

	return &Reader{path: path, f: f, index: index, bloom: bloom, cache: cache, EntryCount: entryCount}, nil
}

// Path returns the backing file path.
func (r *Reader) Path() string { return r.path }

// Close releases the file handle.
func (r *Reader) Close() error { return r.f.Close() }

// MayContain answers the bloom filter's membership question directly.
func (r *Reader) MayContain(userKey []byte) bool { return r.bloom.MayContain(userKey) }

func (r *Reader) loadBlock(idx int) ([]entry, error) {
	ie := r.index[idx]
	if data, ok := r.cache.Get(r.path, ie.offset); ok {
		return decodeEntries(data)
	}
	buf := make([]byte, ie.length)
	if _, err := r.f.ReadAt(buf, ie.offset); err != nil {
		return nil, errs.Wrap(errs.KindIOTransient, "read sstable block", err)
	}
	r.cache.Set(r.path, ie.offset, buf)
	return decodeEntries(buf)
}

// Get returns the newest value or deletion marker for userKey visible at
// or before seq. Per spec §4.3, a bloom-filter rejection must not touch
// data blocks.
func (r *Reader) Get(userKey []byte, seq uint64) ([]byte, memtable.Kind, bool, error) {
	if !r.bloom.MayContain(userKey) {
		return nil, 0, false, nil
	}

	blockIdx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].largestUserKey, userKey) >= 0
	})
	if blockIdx == len(r.index) {
		return nil, 0, false, nil
	}

	entries, err := r.loadBlock(blockIdx)
	if err != nil {
		return nil, 0, false, err
	}
	for _, e := range entries {
		if !bytes.Equal(e.key.UserKey, userKey) {
			continue
		}
		if e.key.Seq > seq {
			continue
		}
		return e.value, e.key.Kind, true, nil
	}
	return nil, 0, false, nil
}

// Iterator yields every entry in the file in ascending internal-key
// order, used by compaction's merge pass.
type Iterator struct {
	r       *Reader
	blockNo int
	entries []entry
	pos     int
	err     error
}

// NewIterator creates an iterator positioned before the first entry.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockNo: -1}
}

// Next advances to the next entry, returning false at EOF or on error
// (check Err()).
func (it *Iterator) Next() bool {
	for {
		if it.entries != nil && it.pos+1 < len(it.entries) {
			it.pos++
			return true
		}
		it.blockNo++
		if it.blockNo >= len(it.r.index) {
			return false
		}
		entries, err := it.r.loadBlock(it.blockNo)
		if err != nil {
			it.err = err
			return false
		}
		it.entries = entries
		it.pos = -1
		if len(entries) == 0 {
			continue
		}
		it.pos = 0
		return true
	}
}

// Key returns the current entry's internal key.
func (it *Iterator) Key() memtable.InternalKey { return it.entries[it.pos].key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.entries[it.pos].value }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }
