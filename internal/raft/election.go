package raft

import (
	"context"
	"time"
)

// tickerLoop implements the Ticker worker of spec §4.4: every TickPeriod,
// a leader sends a replication round on its heartbeat cadence; a follower
// or candidate whose election deadline has passed starts an election.
func (n *Node) tickerLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	dueForElection := time.Now().After(n.electionDeadline)
	dueForHeartbeat := time.Since(n.lastHeartbeat) >= n.cfg.HeartbeatInterval
	n.mu.Unlock()

	switch role {
	case Leader:
		if dueForHeartbeat {
			n.replicationRound()
		}
	default:
		if dueForElection {
			n.startElection()
		}
	}
}

// startElection implements the Election procedure of spec §4.4.
func (n *Node) startElection() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = int64(n.id)
	n.role = Candidate
	n.leaderID = -1
	electionTerm := n.currentTerm
	if err := n.state.save(PersistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}); err != nil {
		n.mu.Unlock()
		return
	}
	n.resetElectionDeadlineLocked()
	lastIndex := n.log.LastIndex()
	lastTerm := n.log.LastTerm()
	n.mu.Unlock()

	req := RequestVoteReq{
		Term:         electionTerm,
		CandidateID:  n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	type result struct {
		resp RequestVoteResp
		err  error
	}
	results := make(chan result, len(n.peers))
	for _, peerID := range n.peers {
		peerID := peerID
		go func() {
			resp, err := n.transport.SendRequestVote(peerID, req)
			results <- result{resp, err}
		}()
	}

	votes := 1 // self
	for i := 0; i < len(n.peers); i++ {
		r := <-results
		if r.err != nil {
			continue
		}
		n.mu.Lock()
		if n.role != Candidate || n.currentTerm != electionTerm {
			n.mu.Unlock()
			return
		}
		if r.resp.Term > n.currentTerm {
			n.stepDownLocked(r.resp.Term)
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		if r.resp.VoteGranted {
			votes++
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.currentTerm != electionTerm {
		return
	}
	if votes >= n.quorumSize() {
		n.becomeLeaderLocked()
	}
}

// becomeLeaderLocked implements BecomeLeader of spec §4.4. Caller must
// hold n.mu.
func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = int64(n.id)
	last := n.log.LastIndex()
	n.nextIndex = make(map[uint64]uint64, len(n.peers))
	n.matchIndex = make(map[uint64]uint64, len(n.peers)+1)
	for _, p := range n.peers {
		n.nextIndex[p] = last + 1
		n.matchIndex[p] = 0
	}
	term := n.currentTerm
	noop := LogEntry{Term: term, Index: last + 1, Type: EntryNoop}
	if err := n.log.Append(noop); err == nil {
		n.matchIndex[n.id] = noop.Index
	}
	n.lastHeartbeat = time.Time{}
	go n.replicationRound()
}
