package sstable

import (
	"encoding/binary"
	"os"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/memtable"
)

// Writer produces one immutable SSTable file. Entries must be supplied in
// ascending internal-key order (spec §3: "keys within and across blocks
// are sorted ascending by user-key"); Writer treats a violation as a
// programming error and panics rather than silently emitting a corrupt
// file.
type Writer struct {
	f      *os.File
	offset int64

	curBlock []byte
	index    []indexEntry
	bloom    *BloomFilter

	entryCount int64
	smallest   []byte
	largest    []byte
	hasKey     bool
	lastKey    memtable.InternalKey
}

// NewWriter creates path and prepares it to receive entries. expectedKeys
// sizes the bloom filter (spec §4.3 target ~1% false-positive rate).
func NewWriter(path string, expectedKeys int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOTransient, "create sstable", err)
	}
	return &Writer{f: f, bloom: NewBloomFilter(expectedKeys, 0.01)}, nil
}

// Add appends one internal key/value pair.
func (w *Writer) Add(key memtable.InternalKey, value []byte) error {
	if w.hasKey && memtable.Compare(w.lastKey, key) > 0 {
		panic(errOutOfOrder)
	}
	if !w.hasKey {
		w.smallest = append([]byte(nil), key.UserKey...)
	}
	w.lastKey = key
	w.hasKey = true
	w.largest = append([]byte(nil), key.UserKey...)

	w.curBlock = append(w.curBlock, encodeEntry(entry{key: key, value: value})...)
	w.bloom.Add(key.UserKey)
	w.entryCount++

	if len(w.curBlock) >= targetBlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.curBlock) == 0 {
		return nil
	}
	n, err := w.f.Write(w.curBlock)
	if err != nil {
		return errs.Wrap(errs.KindIOTransient, "write sstable block", err)
	}
	w.index = append(w.index, indexEntry{largestUserKey: append([]byte(nil), w.lastKey.UserKey...), offset: w.offset, length: int64(n)})
	w.offset += int64(n)
	w.curBlock = w.curBlock[:0]
	return nil
}

// Finish flushes any pending block, writes the index block, meta block,
// and footer, then syncs and closes the file.
func (w *Writer) Finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	indexOffset := w.offset
	var indexBuf []byte
	for _, ie := range w.index {
		indexBuf = append(indexBuf, encodeIndexEntry(ie)...)
	}
	if _, err := w.f.Write(indexBuf); err != nil {
		return Meta{}, errs.Wrap(errs.KindIOTransient, "write sstable index", err)
	}
	w.offset += int64(len(indexBuf))

	metaOffset := w.offset
	metaBuf := w.bloom.Encode()
	if _, err := w.f.Write(metaBuf); err != nil {
		return Meta{}, errs.Wrap(errs.KindIOTransient, "write sstable meta", err)
	}
	w.offset += int64(len(metaBuf))

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(indexBuf)))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(metaOffset))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(len(metaBuf)))
	binary.LittleEndian.PutUint64(footer[32:40], uint64(w.entryCount))
	binary.LittleEndian.PutUint64(footer[40:48], magic)
	if _, err := w.f.Write(footer); err != nil {
		return Meta{}, errs.Wrap(errs.KindIOTransient, "write sstable footer", err)
	}

	if err := w.f.Sync(); err != nil {
		return Meta{}, errs.Wrap(errs.KindIOTransient, "sync sstable", err)
	}
	info, err := w.f.Stat()
	if err != nil {
		return Meta{}, errs.Wrap(errs.KindIOTransient, "stat sstable", err)
	}
	if err := w.f.Close(); err != nil {
		return Meta{}, errs.Wrap(errs.KindIOTransient, "close sstable", err)
	}

	return Meta{
		Smallest:   w.smallest,
		Largest:    w.largest,
		Size:       info.Size(),
		EntryCount: w.entryCount,
	}, nil
}
