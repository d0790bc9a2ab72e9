// Package raft implements the hand-rolled Raft consensus module described
// in spec §4.4: leader election, log replication, and commit-index
// advancement over a fixed-size cluster. It follows
// ai_kv_store/include/raft/raft_node.h and raft_log.h for the exact
// per-RPC-step algorithm, and pkg/raftadapter/node.go for the Go
// goroutine/channel shape.
package raft

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/kvstorm/kvstorm/internal/errs"
)

// EntryType classifies a LogEntry's command payload.
type EntryType uint8

const (
	EntryNormal EntryType = iota
	EntryConfig
	EntryShardMove
	EntryNoop
)

// LogEntry is one slot in the replicated log.
type LogEntry struct {
	Term    uint64
	Index   uint64
	Type    EntryType
	Command []byte
}

// ErrCompacted is returned by Log lookups for an index that has already
// been compacted away. Per the repository's open question (spec §9), this
// module treats it as fatal wherever it can occur: no caller in this
// package silently falls back on ErrCompacted, they panic instead.
var ErrCompacted = errors.New("raft: index has been compacted")

// Log is the compacting variant of RaftLog: entries are held in a slice
// offset by firstIndex, so CompactBefore can drop a prefix without
// rewriting index arithmetic elsewhere.
type Log struct {
	mu         sync.RWMutex
	path       string
	f          *os.File
	firstIndex uint64 // index of entries[0], or of the next append while entries is empty
	entries    []LogEntry
}

// openLog opens (creating if absent) the log file at path and replays any
// frames already on disk.
func openLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOTransient, "open raft log", err)
	}
	l := &Log{path: path, f: f, firstIndex: 1}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// replay reads every frame from the start of the file, stopping at the
// first corrupt or truncated frame per the corruption-handling policy in
// spec §7: stop at the first invalid record, keep the valid prefix.
func (l *Log) replay() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.KindIOTransient, "seek raft log", err)
	}
	r := bufReader{f: l.f}
	for {
		e, ok, err := r.readFrame()
		if err != nil {
			return errs.Wrap(errs.KindCorruption, "replay raft log", err)
		}
		if !ok {
			break
		}
		if len(l.entries) == 0 {
			l.firstIndex = e.Index
		}
		l.entries = append(l.entries, e)
	}
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return errs.Wrap(errs.KindIOTransient, "seek raft log end", err)
	}
	return nil
}

type bufReader struct{ f *os.File }

// readFrame decodes one (term uint64, index uint64, type uint8, len uint32,
// command) frame per spec §6. A short read at EOF returns ok=false with no
// error; a short read mid-header is treated as a corrupt trailing frame and
// silently truncated, matching the WAL's own truncation tolerance.
func (r bufReader) readFrame() (LogEntry, bool, error) {
	var hdr [21]byte
	n, err := io.ReadFull(r.f, hdr[:])
	if err == io.EOF && n == 0 {
		return LogEntry{}, false, nil
	}
	if err != nil {
		return LogEntry{}, false, nil
	}
	term := binary.LittleEndian.Uint64(hdr[0:8])
	index := binary.LittleEndian.Uint64(hdr[8:16])
	typ := EntryType(hdr[16])
	cmdLen := binary.LittleEndian.Uint32(hdr[17:21])
	cmd := make([]byte, cmdLen)
	if _, err := io.ReadFull(r.f, cmd); err != nil {
		return LogEntry{}, false, nil
	}
	return LogEntry{Term: term, Index: index, Type: typ, Command: cmd}, true, nil
}

func encodeFrame(e LogEntry) []byte {
	buf := make([]byte, 21+len(e.Command))
	binary.LittleEndian.PutUint64(buf[0:8], e.Term)
	binary.LittleEndian.PutUint64(buf[8:16], e.Index)
	buf[16] = byte(e.Type)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(e.Command)))
	copy(buf[21:], e.Command)
	return buf
}

// Append writes e to the durable log and to the in-memory slice.
func (l *Log) Append(e LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(encodeFrame(e)); err != nil {
		return errs.Wrap(errs.KindIOTransient, "append raft log entry", err)
	}
	if err := l.f.Sync(); err != nil {
		return errs.Wrap(errs.KindIOTransient, "sync raft log", err)
	}
	if len(l.entries) == 0 {
		l.firstIndex = e.Index
	}
	l.entries = append(l.entries, e)
	return nil
}

// slot returns the position of index within l.entries, or -1 if index
// predates firstIndex (compacted) or lies past the end (not yet appended).
func (l *Log) slot(index uint64) int {
	if len(l.entries) == 0 || index < l.firstIndex {
		return -1
	}
	pos := int(index - l.firstIndex)
	if pos >= len(l.entries) {
		return -1
	}
	return pos
}

// Get returns the entry at index. Callers must treat a false ok for an
// index below firstIndex as ErrCompacted-fatal; Get itself only reports
// presence so it stays usable for the "not yet appended" case too.
func (l *Log) Get(index uint64) (LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos := l.slot(index)
	if pos < 0 {
		return LogEntry{}, false
	}
	return l.entries[pos], true
}

// MustGet returns the entry at index, panicking with ErrCompacted if index
// predates the log's retained prefix. Used on paths where the caller has
// already established index should be reachable (spec §9).
func (l *Log) MustGet(index uint64) LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) > 0 && index < l.firstIndex {
		panic(ErrCompacted)
	}
	pos := l.slot(index)
	if pos < 0 {
		panic(errs.New(errs.KindProgramming, "raft log index out of range"))
	}
	return l.entries[pos]
}

// Entries returns a copy of entries in [lo, hi] inclusive. Panics with
// ErrCompacted if lo predates firstIndex.
func (l *Log) Entries(lo, hi uint64) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) > 0 && lo < l.firstIndex {
		panic(ErrCompacted)
	}
	if hi < lo {
		return nil
	}
	loPos := l.slot(lo)
	if loPos < 0 {
		return nil
	}
	hiPos := int(hi - l.firstIndex)
	if hiPos >= len(l.entries) {
		hiPos = len(l.entries) - 1
	}
	out := make([]LogEntry, hiPos-loPos+1)
	copy(out, l.entries[loPos:hiPos+1])
	return out
}

// LastIndex returns the index of the last entry, or 0 if the log is empty
// (accounting for compaction: an empty in-memory slice after compacting
// everything still reports the last compacted index).
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		if l.firstIndex == 0 {
			return 0
		}
		return l.firstIndex - 1
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last entry, or 0 if the log is empty.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term stored at index, or false if the slot is empty.
// Panics with ErrCompacted if index predates the retained prefix.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) > 0 && index < l.firstIndex {
		panic(ErrCompacted)
	}
	pos := l.slot(index)
	if pos < 0 {
		return 0, false
	}
	return l.entries[pos].Term, true
}

// TruncateFrom drops every entry at or after index, both in memory and on
// disk (the file is rewritten, mirroring pkg/wal's rotate-by-rename
// precedent applied here to truncation instead of rotation).
func (l *Log) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 || index < l.firstIndex {
		return nil
	}
	pos := index - l.firstIndex
	if int(pos) >= len(l.entries) {
		return nil
	}
	l.entries = l.entries[:pos]
	return l.rewriteLocked()
}

// CompactBefore drops every entry with index < index. The caller is
// responsible for only calling this when index is at most the minimum
// known match_index across peers, per spec §1 non-goals.
func (l *Log) CompactBefore(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.firstIndex {
		return nil
	}
	pos := l.slot(index)
	if pos < 0 {
		if index > l.LastIndexLocked() {
			l.entries = nil
			l.firstIndex = index
			return l.rewriteLocked()
		}
		return nil
	}
	l.entries = append([]LogEntry(nil), l.entries[pos:]...)
	l.firstIndex = index
	return l.rewriteLocked()
}

// LastIndexLocked is LastIndex without acquiring the lock, for callers
// already holding it.
func (l *Log) LastIndexLocked() uint64 {
	if len(l.entries) == 0 {
		if l.firstIndex == 0 {
			return 0
		}
		return l.firstIndex - 1
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *Log) rewriteLocked() error {
	tmp := l.path + ".rewrite"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIOTransient, "open raft log rewrite", err)
	}
	for _, e := range l.entries {
		if _, err := f.Write(encodeFrame(e)); err != nil {
			f.Close()
			return errs.Wrap(errs.KindIOTransient, "rewrite raft log", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.KindIOTransient, "sync raft log rewrite", err)
	}
	f.Close()
	if err := os.Rename(tmp, l.path); err != nil {
		return errs.Wrap(errs.KindIOTransient, "install raft log rewrite", err)
	}
	newF, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIOTransient, "reopen raft log", err)
	}
	if _, err := newF.Seek(0, io.SeekEnd); err != nil {
		newF.Close()
		return errs.Wrap(errs.KindIOTransient, "seek raft log", err)
	}
	l.f.Close()
	l.f = newF
	return nil
}

func (l *Log) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
