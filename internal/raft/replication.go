package raft

import "time"

// replicationRound implements the Replication round of spec §4.4: for
// each peer, assemble and send an AppendEntries carrying whatever entries
// that peer is missing, then reconcile the reply per the RPC call
// discipline (build under lock, drop lock, send, reacquire, validate).
func (n *Node) replicationRound() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	commitIndex := n.commitIndex
	peers := append([]uint64(nil), n.peers...)
	n.lastHeartbeat = time.Now()
	n.mu.Unlock()

	for _, peerID := range peers {
		peerID := peerID
		go n.replicateToPeer(peerID, term, commitIndex)
	}
}

func (n *Node) replicateToPeer(peerID, term, commitIndex uint64) {
	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peerID]
	if next == 0 {
		next = n.log.LastIndex() + 1
	}
	prevIndex := next - 1
	prevTerm, _ := n.log.TermAt(prevIndex)
	lastIndex := n.log.LastIndex()
	hi := lastIndex
	if hi > next+uint64(n.cfg.BatchLimit)-1 {
		hi = next + uint64(n.cfg.BatchLimit) - 1
	}
	var entries []LogEntry
	if lastIndex >= next {
		entries = n.log.Entries(next, hi)
	}
	req := AppendEntriesReq{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commitIndex,
	}
	n.mu.Unlock()

	resp, err := n.transport.SendAppendEntries(peerID, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader || n.currentTerm != term {
		return
	}
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}
	if resp.Success {
		n.matchIndex[peerID] = resp.MatchIndex
		n.nextIndex[peerID] = resp.MatchIndex + 1
		n.advanceCommitIndexLocked()
		return
	}
	// Back up next_index using the conflict hint, at minimum to
	// conflict_index, per spec §4.4's replication-round back-up rule.
	newNext := resp.ConflictIndex
	if resp.ConflictTerm != 0 {
		if idx, ok := n.lastIndexOfTermLocked(resp.ConflictTerm); ok {
			newNext = idx + 1
		}
	}
	if newNext == 0 {
		newNext = 1
	}
	n.nextIndex[peerID] = newNext
}

// lastIndexOfTermLocked scans the leader's own log for the last entry at
// the given term, an optimization allowed but not mandated by the base
// algorithm; absent a match it reports ok=false and the caller falls back
// to conflict_index directly.
func (n *Node) lastIndexOfTermLocked(term uint64) (uint64, bool) {
	last := n.log.LastIndex()
	for idx := last; idx > 0; idx-- {
		t, ok := n.log.TermAt(idx)
		if !ok {
			continue
		}
		if t == term {
			return idx, true
		}
		if t < term {
			break
		}
	}
	return 0, false
}

// advanceCommitIndexLocked implements Commit-index advancement of spec
// §4.4. Caller must hold n.mu.
func (n *Node) advanceCommitIndexLocked() {
	last := n.log.LastIndex()
	for N := last; N > n.commitIndex; N-- {
		term, ok := n.log.TermAt(N)
		if !ok || term != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, p := range n.peers {
			if n.matchIndex[p] >= N {
				count++
			}
		}
		if count >= n.quorumSize() {
			n.commitIndex = N
			n.signalApplyLocked()
			return
		}
	}
}
