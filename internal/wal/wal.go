// Package wal implements the crash-safe, checksummed append-only frame
// log described in spec §4.1. Frames are [checksum:4][length:4][payload],
// little-endian, CRC32 over the payload only.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kvstorm/kvstorm/internal/errs"
)

// RecordType enumerates the mutation kinds a WAL frame can carry.
type RecordType uint8

const (
	RecordPut RecordType = iota
	RecordDelete
)

// maxFrameLen is the sanity bound on payload length below which a frame
// is considered structurally plausible; anything larger is treated as a
// corrupt tail and truncates replay.
const maxFrameLen = 64 << 20 // 64 MiB

// Record is one WAL entry.
type Record struct {
	Type     RecordType
	Key      []byte
	Value    []byte
	Sequence uint64
}

// WAL is a single append-only log file guarded by a mutex so frame
// boundaries stay intact under concurrent producers.
type WAL struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// Open creates or opens path for append, positioning the write cursor at
// the current end of file.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOTransient, "open wal", err)
	}
	return &WAL{file: f, writer: bufio.NewWriter(f), path: path}, nil
}

// Path returns the file path backing this WAL.
func (w *WAL) Path() string { return w.path }

// Append atomically persists one frame, returning success iff the
// underlying write and flush+sync succeed.
func (w *WAL) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeFrame(r); err != nil {
		return err
	}
	return w.flushSync()
}

// AppendBatch appends every record in order under one lock acquisition,
// finishing with a single flush+sync.
func (w *WAL) AppendBatch(rs []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range rs {
		if err := w.writeFrame(r); err != nil {
			return err
		}
	}
	return w.flushSync()
}

func (w *WAL) writeFrame(r Record) error {
	payload := encodePayload(r)
	checksum := crc32.ChecksumIEEE(payload)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], checksum)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return errs.Wrap(errs.KindIOTransient, "write wal header", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return errs.Wrap(errs.KindIOTransient, "write wal payload", err)
	}
	return nil
}

func (w *WAL) flushSync() error {
	if err := w.writer.Flush(); err != nil {
		return errs.Wrap(errs.KindIOTransient, "flush wal", err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.KindIOTransient, "sync wal", err)
	}
	return nil
}

// Close flushes and releases the file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return errs.Wrap(errs.KindIOTransient, "flush wal on close", err)
	}
	return w.file.Close()
}

func encodePayload(r Record) []byte {
	buf := make([]byte, 0, 1+8+4+len(r.Key)+4+len(r.Value))
	buf = append(buf, byte(r.Type))
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], r.Sequence)
	buf = append(buf, seq[:]...)

	var klen [4]byte
	binary.LittleEndian.PutUint32(klen[:], uint32(len(r.Key)))
	buf = append(buf, klen[:]...)
	buf = append(buf, r.Key...)

	var vlen [4]byte
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(r.Value)))
	buf = append(buf, vlen[:]...)
	buf = append(buf, r.Value...)
	return buf
}

func decodePayload(payload []byte) (Record, error) {
	if len(payload) < 1+8+4 {
		return Record{}, fmt.Errorf("wal: payload too short")
	}
	var r Record
	r.Type = RecordType(payload[0])
	off := 1
	r.Sequence = binary.LittleEndian.Uint64(payload[off : off+8])
	off += 8

	klen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < klen {
		return Record{}, fmt.Errorf("wal: truncated key")
	}
	r.Key = append([]byte(nil), payload[off:off+int(klen)]...)
	off += int(klen)

	if len(payload)-off < 4 {
		return Record{}, fmt.Errorf("wal: truncated value length")
	}
	vlen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < vlen {
		return Record{}, fmt.Errorf("wal: truncated value")
	}
	r.Value = append([]byte(nil), payload[off:off+int(vlen)]...)
	return r, nil
}

// Replay reads frames sequentially from the beginning of path, invoking fn
// for each frame whose checksum validates. Reading stops silently at the
// first bad checksum, truncated frame, or oversized length — the log is
// considered truncated there and any partial tail is discarded.
func Replay(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindIOTransient, "open wal for replay", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil // EOF or short header: clean or truncated tail, stop silently
		}
		checksum := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])
		if length > maxFrameLen {
			slog.Warn("wal: frame exceeds sanity bound, truncating replay", "path", path, "length", length)
			return nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			slog.Warn("wal: truncated frame, truncating replay", "path", path)
			return nil
		}

		if crc32.ChecksumIEEE(payload) != checksum {
			slog.Warn("wal: checksum mismatch, truncating replay", "path", path)
			return nil
		}

		rec, err := decodePayload(payload)
		if err != nil {
			slog.Warn("wal: malformed payload, truncating replay", "path", path, "error", err)
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
