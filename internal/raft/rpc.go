package raft

import "log/slog"

// HandleAppendEntries implements the AppendEntries handler of spec §4.4,
// steps 1-7, verbatim.
func (n *Node) HandleAppendEntries(req AppendEntriesReq) AppendEntriesResp {
	n.mu.Lock()
	defer n.mu.Unlock()

	// 1. Reject stale term.
	if req.Term < n.currentTerm {
		return AppendEntriesResp{Term: n.currentTerm, Success: false}
	}
	// 2. Step down on newer term.
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	// 3. Regardless: follower, record leader, reset timer.
	n.role = Follower
	n.leaderID = int64(req.LeaderID)
	n.resetElectionDeadlineLocked()

	// 4. prev-log check.
	if req.PrevLogIndex > 0 {
		localTerm, ok := n.log.TermAt(req.PrevLogIndex)
		if !ok {
			return AppendEntriesResp{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: n.log.LastIndex() + 1,
				ConflictTerm:  0,
			}
		}
		if localTerm != req.PrevLogTerm {
			conflictTerm := localTerm
			conflictIndex := req.PrevLogIndex
			for conflictIndex > 1 {
				t, ok := n.log.TermAt(conflictIndex - 1)
				if !ok || t != conflictTerm {
					break
				}
				conflictIndex--
			}
			return AppendEntriesResp{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: conflictIndex,
				ConflictTerm:  conflictTerm,
			}
		}
	}

	// 5. Append/truncate.
	for _, e := range req.Entries {
		localTerm, ok := n.log.TermAt(e.Index)
		if ok && localTerm != e.Term {
			if err := n.log.TruncateFrom(e.Index); err != nil {
				return AppendEntriesResp{Term: n.currentTerm, Success: false}
			}
			ok = false
		}
		if !ok {
			if err := n.log.Append(e); err != nil {
				return AppendEntriesResp{Term: n.currentTerm, Success: false}
			}
		}
	}

	// 6. Advance commit index.
	if req.LeaderCommit > n.commitIndex {
		last := n.log.LastIndex()
		if req.LeaderCommit < last {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = last
		}
		n.signalApplyLocked()
	}

	// 7. Success.
	return AppendEntriesResp{Term: n.currentTerm, Success: true, MatchIndex: n.log.LastIndex()}
}

// HandleRequestVote implements the RequestVote handler of spec §4.4.
func (n *Node) HandleRequestVote(req RequestVoteReq) RequestVoteResp {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return RequestVoteResp{Term: n.currentTerm, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	upToDate := req.LastLogTerm > n.log.LastTerm() ||
		(req.LastLogTerm == n.log.LastTerm() && req.LastLogIndex >= n.log.LastIndex())

	canVote := n.votedFor < 0 || n.votedFor == int64(req.CandidateID)
	if canVote && upToDate {
		n.votedFor = int64(req.CandidateID)
		if err := n.state.save(PersistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}); err != nil {
			return RequestVoteResp{Term: n.currentTerm, VoteGranted: false}
		}
		n.resetElectionDeadlineLocked()
		return RequestVoteResp{Term: n.currentTerm, VoteGranted: true}
	}
	return RequestVoteResp{Term: n.currentTerm, VoteGranted: false}
}

// stepDownLocked resets term/vote/role for a newly observed higher term.
// Caller must hold n.mu.
func (n *Node) stepDownLocked(term uint64) {
	n.currentTerm = term
	n.votedFor = -1
	n.role = Follower
	if err := n.state.save(PersistentState{CurrentTerm: term, VotedFor: -1}); err != nil {
		slog.Error("raft: failed to persist stepped-down state", "error", err)
	}
}

// signalApplyLocked wakes the applier loop. Caller must hold n.mu.
func (n *Node) signalApplyLocked() {
	select {
	case n.applyCh <- LogEntry{}:
	default:
	}
}
