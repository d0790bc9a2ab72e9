package lsm

import (
	"os"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/memtable"
	"github.com/kvstorm/kvstorm/internal/sstable"
	"github.com/kvstorm/kvstorm/internal/wal"
)

// maybeRotate swaps the active memtable out for a fresh one once it
// reaches its size threshold. Called with writeMu held. If a previous
// rotation's flush has not yet drained, it is flushed synchronously
// here first so a rotation is never lost.
func (eng *Engine) maybeRotate() error {
	if !eng.active.ShouldFlush() {
		return nil
	}
	if eng.immutable.Load() != nil {
		if err := eng.flushImmutable(); err != nil {
			return err
		}
	}
	return eng.rotate()
}

func (eng *Engine) rotate() error {
	oldWAL := eng.curWAL.Load()
	if err := oldWAL.Close(); err != nil {
		return err
	}

	seq := eng.seq.Load()
	rotatedPath := rotatingWALPath(eng.dataDir, seq)
	if err := os.Rename(oldWAL.Path(), rotatedPath); err != nil {
		return errs.Wrap(errs.KindIOTransient, "rotate wal", err)
	}

	newWAL, err := wal.Open(currentWALPath(eng.dataDir))
	if err != nil {
		return err
	}
	eng.curWAL.Store(newWAL)
	eng.immWALPath.Store(&rotatedPath)
	eng.immutable.Store(eng.active)
	eng.active = memtable.New(eng.cfg.MemtableSizeBytes)
	return nil
}

// flushImmutable drains the pending immutable memtable into a new L0
// SSTable. Safe to call from the background loop or, synchronously,
// from the write path during a rotation pile-up.
func (eng *Engine) flushImmutable() error {
	eng.flushMu.Lock()
	defer eng.flushMu.Unlock()
	return eng.flushImmutableLocked()
}

func (eng *Engine) flushImmutableLocked() error {
	imm := eng.immutable.Load()
	if imm == nil {
		return nil
	}

	fileNum := eng.vs.NextFileNum()
	path := sstablePath(eng.dataDir, 0, fileNum)
	w, err := sstable.NewWriter(path, int(imm.EntryCount()))
	if err != nil {
		return err
	}
	imm.ForEach(func(key memtable.InternalKey, value []byte) bool {
		if addErr := w.Add(key, value); addErr != nil {
			err = addErr
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	meta, err := w.Finish()
	if err != nil {
		return err
	}
	meta.Level = 0
	meta.FileNum = fileNum
	meta.Path = path

	next := eng.vs.Current().clone()
	next.addFile(&meta)
	if err := eng.manifest.record(edit{Added: []*sstable.Meta{&meta}}); err != nil {
		return err
	}
	if err := eng.openReader(&meta); err != nil {
		return err
	}
	eng.vs.Install(next)
	eng.immutable.Store(nil)

	if walPath := eng.immWALPath.Load(); walPath != nil {
		if rmErr := os.Remove(*walPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return errs.Wrap(errs.KindIOTransient, "remove rotated wal", rmErr)
		}
		eng.immWALPath.Store(nil)
	}
	return nil
}
