package raft

// AppendEntriesReq is the logical AppendEntries payload of spec §6.
type AppendEntriesReq struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesResp is the logical AppendEntries reply of spec §6.
type AppendEntriesResp struct {
	Term          uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
}

// RequestVoteReq is the logical RequestVote payload of spec §6.
type RequestVoteReq struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResp is the logical RequestVote reply of spec §6.
type RequestVoteResp struct {
	Term        uint64
	VoteGranted bool
}

// RPCTransport is the outbound side of the Raft wire protocol. A real
// implementation (HTTP, gRPC, ...) is left to the coordinator's wiring per
// spec §1 non-goals; Node only depends on this interface, and
// HandleAppendEntries/HandleRequestVote are the inbound side that a real
// transport's server handler calls into.
type RPCTransport interface {
	SendAppendEntries(peerID uint64, req AppendEntriesReq) (AppendEntriesResp, error)
	SendRequestVote(peerID uint64, req RequestVoteReq) (RequestVoteResp, error)
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
}

// FakeTransport is an in-process transport that dispatches directly to
// peer Nodes, used by tests to exercise election and replication without a
// real network (follows pkg/raftadapter/transport.go's peer-map shape,
// minus the HTTP client).
type FakeTransport struct {
	self  uint64
	peers map[uint64]*Node

	// Dropped lists peer IDs whose messages are silently discarded, used
	// by tests to simulate a partitioned peer (spec §8 S4).
	Dropped map[uint64]bool
}

// NewFakeTransport builds a transport for node self. Peers are registered
// with Link once every Node in the test cluster has been constructed;
// AddPeer is a no-op on this transport.
func NewFakeTransport(self uint64) *FakeTransport {
	return &FakeTransport{
		self:    self,
		peers:   make(map[uint64]*Node),
		Dropped: make(map[uint64]bool),
	}
}

func (t *FakeTransport) AddPeer(id uint64, addr string) {}

func (t *FakeTransport) RemovePeer(id uint64) { delete(t.peers, id) }

// Link registers the actual Node reachable at peerID, letting the fake
// dispatch RPCs synchronously instead of resolving an address.
func (t *FakeTransport) Link(peerID uint64, n *Node) {
	t.peers[peerID] = n
}

func (t *FakeTransport) SendAppendEntries(peerID uint64, req AppendEntriesReq) (AppendEntriesResp, error) {
	if t.Dropped[peerID] {
		return AppendEntriesResp{}, errPeerUnreachable
	}
	n, ok := t.peers[peerID]
	if !ok {
		return AppendEntriesResp{}, errPeerUnreachable
	}
	return n.HandleAppendEntries(req), nil
}

func (t *FakeTransport) SendRequestVote(peerID uint64, req RequestVoteReq) (RequestVoteResp, error) {
	if t.Dropped[peerID] {
		return RequestVoteResp{}, errPeerUnreachable
	}
	n, ok := t.peers[peerID]
	if !ok {
		return RequestVoteResp{}, errPeerUnreachable
	}
	return n.HandleRequestVote(req), nil
}
