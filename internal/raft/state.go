package raft

import (
	"encoding/binary"
	"os"

	"github.com/kvstorm/kvstorm/internal/errs"
)

// PersistentState is the term/vote pair that must hit disk before either a
// vote grant or a term bump becomes observable to a peer.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    int64 // -1 means none
}

const stateFileSize = 12 // 8 bytes term + 4 bytes voted_for (signed)

// stateStore persists PersistentState to raft/raft_state.dat, per spec §6:
// 8 bytes current_term followed by 4 bytes voted_for.
type stateStore struct {
	f *os.File
}

func openStateStore(path string) (*stateStore, PersistentState, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, PersistentState{}, errs.Wrap(errs.KindIOTransient, "open raft state", err)
	}
	s := &stateStore{f: f}
	st, ok, err := s.read()
	if err != nil {
		f.Close()
		return nil, PersistentState{}, err
	}
	if !ok {
		st = PersistentState{CurrentTerm: 0, VotedFor: -1}
		if err := s.save(st); err != nil {
			f.Close()
			return nil, PersistentState{}, err
		}
	}
	return s, st, nil
}

func (s *stateStore) read() (PersistentState, bool, error) {
	buf := make([]byte, stateFileSize)
	n, err := s.f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return PersistentState{}, false, nil
	}
	if n < stateFileSize {
		return PersistentState{}, false, nil
	}
	term := binary.LittleEndian.Uint64(buf[0:8])
	votedFor := int64(int32(binary.LittleEndian.Uint32(buf[8:12])))
	return PersistentState{CurrentTerm: term, VotedFor: votedFor}, true, nil
}

// save writes st synchronously; callers must call this before any vote
// grant or term bump becomes observable, per spec §4.4.
func (s *stateStore) save(st PersistentState) error {
	buf := make([]byte, stateFileSize)
	binary.LittleEndian.PutUint64(buf[0:8], st.CurrentTerm)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(st.VotedFor)))
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return errs.Wrap(errs.KindIOTransient, "write raft state", err)
	}
	if err := s.f.Sync(); err != nil {
		return errs.Wrap(errs.KindIOTransient, "sync raft state", err)
	}
	return nil
}

func (s *stateStore) close() error {
	return s.f.Close()
}
