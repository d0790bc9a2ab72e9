package lsm

import (
	"bytes"
	"os"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/memtable"
	"github.com/kvstorm/kvstorm/internal/sstable"
)

// targetSSTableSize bounds how large a single compaction output file is
// allowed to grow before a new one is started.
const targetSSTableSize = 2 << 20

// maybeCompact picks at most one level to compact per call: L0 compacts
// once its file count reaches L0CompactionTrigger; any deeper level
// compacts once its file count passes its threshold.
func (eng *Engine) maybeCompact() error {
	eng.flushMu.Lock()
	defer eng.flushMu.Unlock()

	v := eng.vs.Current()
	if len(v.Levels[0]) >= eng.cfg.L0CompactionTrigger {
		return eng.compactLevelLocked(0)
	}
	for lvl := 1; lvl < len(v.Levels)-1; lvl++ {
		if len(v.Levels[lvl]) > levelFileCountThreshold(lvl) {
			return eng.compactLevelLocked(lvl)
		}
	}
	return nil
}

// compactLevelLocked merges level lvl's files (all of them, if lvl==0;
// otherwise the oldest by file number) together with every overlapping
// file at lvl+1, writing the merged, deduplicated result back out as one
// or more lvl+1 SSTables.
func (eng *Engine) compactLevelLocked(lvl int) error {
	v := eng.vs.Current()
	var inputs []*sstable.Meta
	if lvl == 0 {
		inputs = append(inputs, v.Levels[0]...)
	} else {
		inputs = append(inputs, oldestFile(v.Levels[lvl]))
	}
	if len(inputs) == 0 {
		return nil
	}

	lo, hi := keyRangeOf(inputs)
	var overlapping []*sstable.Meta
	for _, m := range v.Levels[lvl+1] {
		if m.Overlaps(lo, hi) {
			overlapping = append(overlapping, m)
		}
	}
	inputs = append(inputs, overlapping...)

	isDeepest := lvl+1 == len(v.Levels)-1
	outputs, err := eng.mergeInto(inputs, lvl+1, isDeepest)
	if err != nil {
		return err
	}

	next := v.clone()
	removedByLevel := map[int]map[uint64]bool{}
	for _, m := range inputs {
		if removedByLevel[m.Level] == nil {
			removedByLevel[m.Level] = map[uint64]bool{}
		}
		removedByLevel[m.Level][m.FileNum] = true
	}
	for level, nums := range removedByLevel {
		next.removeFiles(level, nums)
	}
	for _, m := range outputs {
		next.addFile(m)
	}

	var removedKeys []fileKey
	for level, nums := range removedByLevel {
		for num := range nums {
			removedKeys = append(removedKeys, fileKey{Level: level, FileNum: num})
		}
	}
	if err := eng.manifest.record(edit{Added: outputs, Removed: removedKeys}); err != nil {
		return err
	}
	eng.vs.Install(next)

	allRemoved := map[uint64]bool{}
	for _, nums := range removedByLevel {
		for num := range nums {
			allRemoved[num] = true
		}
	}
	eng.closeReaders(allRemoved)
	for _, m := range inputs {
		if rmErr := os.Remove(m.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			return errs.Wrap(errs.KindIOTransient, "remove compacted sstable", rmErr)
		}
	}
	return nil
}

func (eng *Engine) mergeInto(inputs []*sstable.Meta, targetLevel int, isDeepest bool) ([]*sstable.Meta, error) {
	sources := make([]mergeSource, len(inputs))
	for i, m := range inputs {
		sources[i] = eng.readerFor(m).NewIterator()
	}
	merged := newMergeIter(sources)

	var outputs []*sstable.Meta
	var w *sstable.Writer
	var curUserKey []byte
	var curSize int64

	closeCurrent := func() error {
		pending := outputs[len(outputs)-1]
		meta, err := w.Finish()
		if err != nil {
			return err
		}
		meta.Level = pending.Level
		meta.FileNum = pending.FileNum
		meta.Path = pending.Path
		outputs[len(outputs)-1] = &meta
		w = nil
		curSize = 0
		return nil
	}

	for merged.Next() {
		if err := merged.Err(); err != nil {
			return nil, err
		}
		key := merged.Key()
		value := merged.Value()

		if curUserKey != nil && bytes.Equal(curUserKey, key.UserKey) {
			continue // shadowed by a newer version of the same user key already emitted
		}
		curUserKey = append([]byte(nil), key.UserKey...)

		if key.Kind == memtable.KindDeletion && isDeepest {
			continue // tombstone fully shadowed at the deepest level
		}

		if w == nil {
			fileNum := eng.vs.NextFileNum()
			path := sstablePath(eng.dataDir, targetLevel, fileNum)
			var err error
			w, err = sstable.NewWriter(path, 1024)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, &sstable.Meta{Level: targetLevel, FileNum: fileNum, Path: path})
		}
		if err := w.Add(key, value); err != nil {
			return nil, err
		}
		curSize += int64(len(key.UserKey) + len(value))
		if curSize >= targetSSTableSize {
			if err := closeCurrent(); err != nil {
				return nil, err
			}
		}
	}
	if err := merged.Err(); err != nil {
		return nil, err
	}
	if w != nil {
		if err := closeCurrent(); err != nil {
			return nil, err
		}
	}

	for _, m := range outputs {
		if err := eng.openReader(m); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

func oldestFile(files []*sstable.Meta) *sstable.Meta {
	if len(files) == 0 {
		return nil
	}
	out := files[0]
	for _, m := range files[1:] {
		if m.FileNum < out.FileNum {
			out = m
		}
	}
	return out
}

func keyRangeOf(files []*sstable.Meta) (lo, hi []byte) {
	for _, m := range files {
		if lo == nil || bytes.Compare(m.Smallest, lo) < 0 {
			lo = m.Smallest
		}
		if hi == nil || bytes.Compare(m.Largest, hi) > 0 {
			hi = m.Largest
		}
	}
	return lo, hi
}
