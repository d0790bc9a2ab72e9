// Package lsm assembles the write-ahead log, memtable, and SSTable
// packages into the leveled storage engine described in spec §4.3: a
// single active memtable absorbs writes behind a WAL, is rotated to an
// immutable memtable and flushed to L0 in the background, and L0 is
// periodically compacted down into deeper, non-overlapping levels.
package lsm

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/memtable"
	"github.com/kvstorm/kvstorm/internal/sstable"
	"github.com/kvstorm/kvstorm/internal/wal"
	"github.com/kvstorm/kvstorm/pkg/clock"
)

// EngineStats is a point-in-time snapshot used by the coordinator and
// predictive sharder to gauge write pressure.
type EngineStats struct {
	ActiveMemtableBytes int64
	ImmutablePending    bool
	L0Files             int
	TotalFiles          int
	TotalSSTableBytes   int64
	Sequence            uint64
}

// Engine is the top-level LSM tree for one shard's data directory.
type Engine struct {
	dataDir string
	cfg     Config

	writeMu sync.Mutex // serializes WAL append + memtable insert + rotation
	flushMu sync.Mutex // serializes flush/compaction against each other

	active     *memtable.MemTable
	immutable  atomic.Pointer[memtable.MemTable]
	immWALPath atomic.Pointer[string]

	curWAL atomic.Pointer[wal.WAL]

	vs       *versionSet
	cache    *sstable.BlockCache
	manifest *manifest

	readersMu sync.RWMutex
	readers   map[uint64]*sstable.Reader // keyed by FileNum

	seq clock.AtomicClock

	closed   atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Open recovers state from dataDir (creating it if absent) and starts the
// background flush/compaction worker.
func Open(dataDir string, cfg Config) (*Engine, error) {
	for _, dir := range []string{dataDir, walDir(dataDir), sstDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindIOTransient, "create lsm directory", err)
		}
	}
	for lvl := 0; lvl < cfg.NumLevels; lvl++ {
		if err := os.MkdirAll(levelDir(dataDir, lvl), 0o755); err != nil {
			return nil, errs.Wrap(errs.KindIOTransient, "create level directory", err)
		}
	}

	eng := &Engine{
		dataDir: dataDir,
		cfg:     cfg,
		active:  memtable.New(cfg.MemtableSizeBytes),
		vs:      newVersionSet(cfg.NumLevels),
		cache:   sstable.NewBlockCache(cfg.BlockCacheBlocks),
		readers: make(map[uint64]*sstable.Reader),
		stopCh:  make(chan struct{}),
	}

	if err := eng.recover(); err != nil {
		return nil, err
	}

	m, err := openManifest(manifestPath(dataDir))
	if err != nil {
		return nil, err
	}
	eng.manifest = m

	w, err := wal.Open(currentWALPath(dataDir))
	if err != nil {
		return nil, err
	}
	eng.curWAL.Store(w)

	if err := eng.replayCurrentWAL(); err != nil {
		return nil, err
	}

	eng.wg.Add(1)
	go eng.flushLoop()

	return eng, nil
}

// recover rebuilds the version set from the manifest, falling back to a
// directory scan when the manifest is empty or missing, then replays any
// rotated WAL files left over from a rotation whose flush never
// completed, before the current WAL is replayed by the caller.
func (eng *Engine) recover() error {
	v, maxFileNum, found, err := replayManifest(manifestPath(eng.dataDir), eng.cfg.NumLevels)
	if err != nil {
		slog.Warn("lsm: manifest replay failed, falling back to directory scan", "error", err)
		found = false
	}
	if !found {
		v, maxFileNum, err = eng.scanDataDir()
		if err != nil {
			return err
		}
	}
	eng.vs.Install(v)
	eng.vs.bumpFileNumFloor(maxFileNum + 1)

	for _, lvl := range v.Levels {
		for _, m := range lvl {
			if err := eng.openReader(m); err != nil {
				slog.Warn("lsm: dropping unreadable sstable during recovery", "path", m.Path, "error", err)
			}
		}
	}

	return eng.replayRotatedWALs()
}

// scanDataDir is the corruption-tolerant fallback: open every *.sst under
// sst/L<n>/, skipping files whose footer fails to validate.
func (eng *Engine) scanDataDir() (*Version, uint64, error) {
	v := newVersion(eng.cfg.NumLevels)
	var maxFileNum uint64

	for lvl := 0; lvl < eng.cfg.NumLevels; lvl++ {
		entries, err := os.ReadDir(levelDir(eng.dataDir, lvl))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, 0, errs.Wrap(errs.KindIOTransient, "scan level directory", err)
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(levelDir(eng.dataDir, lvl), name)
			r, err := sstable.Open(path, nil)
			if err != nil {
				slog.Warn("lsm: skipping corrupt sstable found during scan", "path", path, "error", err)
				continue
			}
			fileNum, ok := parseFileNum(name)
			if !ok {
				r.Close()
				continue
			}
			meta := &sstable.Meta{Level: lvl, FileNum: fileNum, Path: path, EntryCount: r.EntryCount}
			meta.Smallest, meta.Largest = scanKeyRange(r)
			info, statErr := os.Stat(path)
			if statErr == nil {
				meta.Size = info.Size()
			}
			r.Close()
			v.addFile(meta)
			if fileNum > maxFileNum {
				maxFileNum = fileNum
			}
		}
	}
	return v, maxFileNum, nil
}

func scanKeyRange(r *sstable.Reader) (smallest, largest []byte) {
	it := r.NewIterator()
	for it.Next() {
		if smallest == nil {
			smallest = append([]byte(nil), it.Key().UserKey...)
		}
		largest = append([]byte(nil), it.Key().UserKey...)
	}
	return smallest, largest
}

// parseFileNum extracts the file number from a "sst_<20 digits>.sst" name.
func parseFileNum(name string) (uint64, bool) {
	base := filepath.Base(name)
	const prefix, suffix = "sst_", ".sst"
	if len(base) <= len(prefix)+len(suffix) {
		return 0, false
	}
	var n uint64
	if _, err := fmt.Sscanf(base, prefix+"%d"+suffix, &n); err != nil {
		return 0, false
	}
	return n, true
}

// replayRotatedWALs replays any wal/rotating_*.wal files left behind by a
// rotation whose flush did not complete before a crash, applying their
// records to the active memtable, then deletes them (their data is now
// covered by the current WAL's replay or, having been flushed, is
// already durable in an SSTable — recorded rotated files here predate
// any such flush by construction).
func (eng *Engine) replayRotatedWALs() error {
	entries, err := os.ReadDir(walDir(eng.dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindIOTransient, "scan wal directory", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".wal" && e.Name() != "current.wal" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var maxSeq uint64
	for _, name := range names {
		path := filepath.Join(walDir(eng.dataDir), name)
		if err := wal.Replay(path, func(r wal.Record) error {
			eng.applyRecord(r)
			if r.Sequence > maxSeq {
				maxSeq = r.Sequence
			}
			return nil
		}); err != nil {
			return err
		}
	}
	eng.bumpSeqFloor(maxSeq)
	return nil
}

func (eng *Engine) replayCurrentWAL() error {
	var maxSeq uint64
	err := wal.Replay(currentWALPath(eng.dataDir), func(r wal.Record) error {
		eng.applyRecord(r)
		if r.Sequence > maxSeq {
			maxSeq = r.Sequence
		}
		return nil
	})
	if err != nil {
		return err
	}
	eng.bumpSeqFloor(maxSeq)
	return nil
}

func (eng *Engine) applyRecord(r wal.Record) {
	switch r.Type {
	case wal.RecordPut:
		eng.active.Put(r.Key, r.Value, r.Sequence)
	case wal.RecordDelete:
		eng.active.Delete(r.Key, r.Sequence)
	}
}

func (eng *Engine) bumpSeqFloor(n uint64) {
	for {
		cur := eng.seq.Load()
		if n <= cur {
			return
		}
		if eng.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (eng *Engine) openReader(m *sstable.Meta) error {
	r, err := sstable.Open(m.Path, eng.cache)
	if err != nil {
		return err
	}
	eng.readersMu.Lock()
	eng.readers[m.FileNum] = r
	eng.readersMu.Unlock()
	return nil
}

func (eng *Engine) closeReaders(fileNums map[uint64]bool) {
	eng.readersMu.Lock()
	defer eng.readersMu.Unlock()
	for num := range fileNums {
		if r, ok := eng.readers[num]; ok {
			r.Close()
			delete(eng.readers, num)
		}
	}
}

func (eng *Engine) readerFor(m *sstable.Meta) *sstable.Reader {
	eng.readersMu.RLock()
	defer eng.readersMu.RUnlock()
	return eng.readers[m.FileNum]
}

// Put durably appends a value for key under a freshly assigned sequence
// number, then applies it to the active memtable.
func (eng *Engine) Put(key, value []byte) error {
	eng.writeMu.Lock()
	defer eng.writeMu.Unlock()

	if err := eng.checkWriteAdmission(); err != nil {
		return err
	}
	seq := eng.seq.Add(1)
	if err := eng.curWAL.Load().Append(wal.Record{Type: wal.RecordPut, Key: key, Value: value, Sequence: seq}); err != nil {
		return err
	}
	eng.active.Put(key, value, seq)
	return eng.maybeRotate()
}

// Delete durably appends a tombstone for key.
func (eng *Engine) Delete(key []byte) error {
	eng.writeMu.Lock()
	defer eng.writeMu.Unlock()

	if err := eng.checkWriteAdmission(); err != nil {
		return err
	}
	seq := eng.seq.Add(1)
	if err := eng.curWAL.Load().Append(wal.Record{Type: wal.RecordDelete, Key: key, Sequence: seq}); err != nil {
		return err
	}
	eng.active.Delete(key, seq)
	return eng.maybeRotate()
}

// Batch applies every op atomically with respect to the WAL (one
// append, one flush+sync) and in order against the active memtable.
func (eng *Engine) Batch(ops []Op) error {
	eng.writeMu.Lock()
	defer eng.writeMu.Unlock()

	if err := eng.checkWriteAdmission(); err != nil {
		return err
	}

	records := make([]wal.Record, len(ops))
	seqs := make([]uint64, len(ops))
	for i, op := range ops {
		seq := eng.seq.Add(1)
		seqs[i] = seq
		switch op.Kind {
		case OpPut:
			records[i] = wal.Record{Type: wal.RecordPut, Key: op.Key, Value: op.Value, Sequence: seq}
		case OpDelete:
			records[i] = wal.Record{Type: wal.RecordDelete, Key: op.Key, Sequence: seq}
		}
	}
	if err := eng.curWAL.Load().AppendBatch(records); err != nil {
		return err
	}
	for i, op := range ops {
		switch op.Kind {
		case OpPut:
			eng.active.Put(op.Key, op.Value, seqs[i])
		case OpDelete:
			eng.active.Delete(op.Key, seqs[i])
		}
	}
	return eng.maybeRotate()
}

func (eng *Engine) checkWriteAdmission() error {
	v := eng.vs.Current()
	if len(v.Levels[0]) >= eng.cfg.L0StopWritesTrigger {
		return errs.New(errs.KindCapacity, "l0 file count at stop-writes trigger")
	}
	return nil
}

// Get returns the most recent visible value for key, or found=false if
// the key does not exist or was deleted.
func (eng *Engine) Get(key []byte) ([]byte, bool, error) {
	if v, res := eng.active.Get(key); res != memtable.NotFound {
		return v, res == memtable.FoundValue, nil
	}
	if imm := eng.immutable.Load(); imm != nil {
		if v, res := imm.Get(key); res != memtable.NotFound {
			return v, res == memtable.FoundValue, nil
		}
	}

	ceiling := eng.seq.Load()
	v := eng.vs.Current()

	for _, m := range sortedByRecency(v.Levels[0]) {
		if !inRange(m, key) {
			continue
		}
		val, kind, found, err := eng.readerFor(m).Get(key, ceiling)
		if err != nil {
			return nil, false, err
		}
		if found {
			return val, kind == memtable.KindValue, nil
		}
	}

	for lvl := 1; lvl < len(v.Levels); lvl++ {
		files := v.Levels[lvl]
		idx := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest, key) >= 0
		})
		if idx == len(files) || !inRange(files[idx], key) {
			continue
		}
		val, kind, found, err := eng.readerFor(files[idx]).Get(key, ceiling)
		if err != nil {
			return nil, false, err
		}
		if found {
			return val, kind == memtable.KindValue, nil
		}
	}

	return nil, false, nil
}

func sortedByRecency(files []*sstable.Meta) []*sstable.Meta {
	out := append([]*sstable.Meta(nil), files...)
	sort.Slice(out, func(i, j int) bool { return out[i].FileNum > out[j].FileNum })
	return out
}

func inRange(m *sstable.Meta, key []byte) bool {
	return bytes.Compare(m.Smallest, key) <= 0 && bytes.Compare(key, m.Largest) <= 0
}

// ScanRange returns every live key in [start, end) and its most recent
// value, merging the active memtable, the pending immutable memtable (if
// any), and every SSTable across all levels. Used by the coordinator's
// shard-migration transfer to enumerate a key range without requiring a
// dedicated range index.
func (eng *Engine) ScanRange(start, end []byte) ([][]byte, [][]byte, error) {
	type versioned struct {
		seq   uint64
		kind  memtable.Kind
		value []byte
	}
	best := make(map[string]versioned)
	consider := func(userKey []byte, seq uint64, kind memtable.Kind, value []byte) {
		if start != nil && bytes.Compare(userKey, start) < 0 {
			return
		}
		if end != nil && bytes.Compare(userKey, end) >= 0 {
			return
		}
		k := string(userKey)
		if cur, ok := best[k]; !ok || seq > cur.seq {
			best[k] = versioned{seq: seq, kind: kind, value: value}
		}
	}

	eng.active.ForEach(func(ik memtable.InternalKey, v []byte) bool {
		consider(ik.UserKey, ik.Seq, ik.Kind, v)
		return true
	})
	if imm := eng.immutable.Load(); imm != nil {
		imm.ForEach(func(ik memtable.InternalKey, v []byte) bool {
			consider(ik.UserKey, ik.Seq, ik.Kind, v)
			return true
		})
	}

	v := eng.vs.Current()
	for _, lvl := range v.Levels {
		for _, m := range lvl {
			r := eng.readerFor(m)
			it := r.NewIterator()
			for it.Next() {
				ik := it.Key()
				consider(ik.UserKey, ik.Seq, ik.Kind, it.Value())
			}
			if err := it.Err(); err != nil {
				return nil, nil, err
			}
		}
	}

	keys := make([][]byte, 0, len(best))
	for k := range best {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	outKeys := make([][]byte, 0, len(keys))
	outValues := make([][]byte, 0, len(keys))
	for _, k := range keys {
		entry := best[string(k)]
		if entry.kind == memtable.KindDeletion {
			continue
		}
		outKeys = append(outKeys, k)
		outValues = append(outValues, entry.value)
	}
	return outKeys, outValues, nil
}

// --- Backend interface ---

func (eng *Engine) Load(key []byte) ([]byte, bool, error) { return eng.Get(key) }
func (eng *Engine) Store(key, value []byte) error          { return eng.Put(key, value) }
func (eng *Engine) Remove(key []byte) error                { return eng.Delete(key) }
func (eng *Engine) BatchStore(ops []Op) error               { return eng.Batch(ops) }
func (eng *Engine) Ping() error {
	if eng.closed.Load() {
		return errs.New(errs.KindIOTransient, "engine closed")
	}
	return nil
}

// Stats snapshots current engine load for the predictor and coordinator.
func (eng *Engine) Stats() EngineStats {
	v := eng.vs.Current()
	var total int
	var totalBytes int64
	for _, lvl := range v.Levels {
		total += len(lvl)
		for _, m := range lvl {
			totalBytes += m.Size
		}
	}
	return EngineStats{
		ActiveMemtableBytes: eng.active.ApproximateSize(),
		ImmutablePending:    eng.immutable.Load() != nil,
		L0Files:             len(v.Levels[0]),
		TotalFiles:          total,
		TotalSSTableBytes:   totalBytes,
		Sequence:            eng.seq.Load(),
	}
}

// CompactNow forces one round of compaction on the shallowest non-empty
// level regardless of trigger thresholds, used by tests that don't want
// to wait for the background poll interval or write enough data to
// cross a trigger naturally.
func (eng *Engine) CompactNow() error {
	eng.flushMu.Lock()
	v := eng.vs.Current()
	lvl := -1
	for i := 0; i < len(v.Levels)-1; i++ {
		if len(v.Levels[i]) > 0 {
			lvl = i
			break
		}
	}
	eng.flushMu.Unlock()
	if lvl < 0 {
		return nil
	}

	eng.flushMu.Lock()
	defer eng.flushMu.Unlock()
	return eng.compactLevelLocked(lvl)
}

// Close stops the background worker, flushes any pending immutable
// memtable, and closes the WAL and all open SSTable readers.
func (eng *Engine) Close() error {
	if !eng.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(eng.stopCh)
	eng.wg.Wait()

	eng.flushMu.Lock()
	if eng.immutable.Load() != nil {
		if err := eng.flushImmutableLocked(); err != nil {
			slog.Warn("lsm: flush on close failed", "error", err)
		}
	}
	eng.flushMu.Unlock()

	if err := eng.manifest.close(); err != nil {
		slog.Warn("lsm: manifest close failed", "error", err)
	}

	eng.readersMu.Lock()
	for _, r := range eng.readers {
		r.Close()
	}
	eng.readersMu.Unlock()

	return eng.curWAL.Load().Close()
}

func (eng *Engine) flushLoop() {
	defer eng.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-eng.stopCh:
			return
		case <-ticker.C:
			if eng.immutable.Load() != nil {
				if err := eng.flushImmutable(); err != nil {
					slog.Warn("lsm: background flush failed", "error", err)
				}
			}
			if err := eng.maybeCompact(); err != nil {
				slog.Warn("lsm: background compaction failed", "error", err)
			}
		}
	}
}
