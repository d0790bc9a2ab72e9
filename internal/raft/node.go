package raft

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kvstorm/kvstorm/internal/errs"
)

var errPeerUnreachable = errors.New("raft: peer unreachable")

// Role is one of the three states a node cycles through.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ApplyFunc is invoked by the applier goroutine, in strictly increasing
// index order starting at 1, for every committed entry.
type ApplyFunc func(index uint64, entry LogEntry) error

// Config configures timer periods and batch limits. Zero values are
// replaced with spec-recommended defaults in NewNode.
type Config struct {
	ID       uint64
	Peers    []uint64 // does not include ID
	DataDir  string
	Apply    ApplyFunc
	Rand     *rand.Rand // nil uses a package-level default
	TickPeriod        time.Duration // default 20ms, spec range 10-50ms
	HeartbeatInterval time.Duration // default 50ms
	ElectionMinMs     int           // default 150
	ElectionMaxMs     int           // default 300
	BatchLimit        int           // max entries per AppendEntries, default 64
	ApplyPeriod       time.Duration // default 8ms, spec range 5-10ms
}

func (c *Config) setDefaults() {
	if c.TickPeriod == 0 {
		c.TickPeriod = 20 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.ElectionMinMs == 0 {
		c.ElectionMinMs = 150
	}
	if c.ElectionMaxMs == 0 {
		c.ElectionMaxMs = 300
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = 64
	}
	if c.ApplyPeriod == 0 {
		c.ApplyPeriod = 8 * time.Millisecond
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(int64(c.ID) + 1))
	}
}

// Node is one member of a fixed-size Raft cluster.
type Node struct {
	id    uint64
	peers []uint64
	cfg   Config

	transport RPCTransport
	log       *Log
	state     *stateStore

	mu             sync.Mutex
	role           Role
	currentTerm    uint64
	votedFor       int64
	commitIndex    uint64
	lastApplied    uint64
	leaderID       int64
	electionDeadline time.Time

	nextIndex  map[uint64]uint64
	matchIndex map[uint64]uint64
	lastHeartbeat time.Time

	applyCh chan LogEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode opens the node's durable log and state, and returns a Node ready
// to be started with Run. transport must already know how to reach every
// peer in cfg.Peers (for FakeTransport, via Link; for a real transport, via
// AddPeer before or after construction).
func NewNode(cfg Config, transport RPCTransport) (*Node, error) {
	cfg.setDefaults()
	if err := ensureDir(filepath.Join(cfg.DataDir, "raft")); err != nil {
		return nil, err
	}
	log, err := openLog(filepath.Join(cfg.DataDir, "raft", "raft_log.dat"))
	if err != nil {
		return nil, err
	}
	state, persisted, err := openStateStore(filepath.Join(cfg.DataDir, "raft", "raft_state.dat"))
	if err != nil {
		log.close()
		return nil, err
	}

	n := &Node{
		id:          cfg.ID,
		peers:       append([]uint64(nil), cfg.Peers...),
		cfg:         cfg,
		transport:   transport,
		log:         log,
		state:       state,
		role:        Follower,
		currentTerm: persisted.CurrentTerm,
		votedFor:    persisted.VotedFor,
		leaderID:    -1,
		nextIndex:   make(map[uint64]uint64),
		matchIndex:  make(map[uint64]uint64),
		applyCh:     make(chan LogEntry, 256),
	}
	n.resetElectionDeadlineLocked()
	return n, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindIOTransient, "create raft dir", err)
	}
	return nil
}

// Run starts the ticker and applier goroutines and blocks until ctx is
// cancelled or Stop is called.
func (n *Node) Run(ctx context.Context) {
	n.mu.Lock()
	n.ctx, n.cancel = context.WithCancel(ctx)
	runCtx := n.ctx
	n.mu.Unlock()

	n.wg.Add(2)
	go n.tickerLoop(runCtx)
	go n.applierLoop(runCtx)
	<-runCtx.Done()
	n.wg.Wait()
}

// Stop cancels the node's goroutines and waits for them to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
	n.log.close()
	n.state.close()
}

// quorumSize returns the number of votes/acks needed for a majority of the
// full cluster (self plus peers).
func (n *Node) quorumSize() int {
	total := len(n.peers) + 1
	return total/2 + 1
}

func (n *Node) resetElectionDeadlineLocked() {
	spread := n.cfg.ElectionMaxMs - n.cfg.ElectionMinMs
	ms := n.cfg.ElectionMinMs
	if spread > 0 {
		ms += n.cfg.Rand.Intn(spread)
	}
	n.electionDeadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// Role reports the node's current role, for stats endpoints.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Term reports the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// CommitIndex reports the node's commit index.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// LeaderHint returns the last-known leader id, or "" if none is known.
func (n *Node) LeaderHint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID < 0 {
		return ""
	}
	return strconv.FormatUint(uint64(n.leaderID), 10)
}

// Propose appends a Normal entry if this node is the leader. Non-leaders
// reject with a leader hint.
func (n *Node) Propose(cmd []byte) (accepted bool, index, term uint64, leaderHint string) {
	return n.ProposeTyped(EntryNormal, cmd)
}

// ProposeTyped appends an entry of the given type, used by the
// coordinator's migration handler for Config/ShardMove entries.
func (n *Node) ProposeTyped(typ EntryType, cmd []byte) (accepted bool, index, term uint64, leaderHint string) {
	// The log append is local disk I/O, not a network send, so it is safe
	// (and necessary, to avoid two concurrent proposals racing on the same
	// next index) to hold the state mutex across it.
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		hint := ""
		if n.leaderID >= 0 {
			hint = strconv.FormatUint(uint64(n.leaderID), 10)
		}
		return false, 0, 0, hint
	}
	idx := n.log.LastIndex() + 1
	entryTerm := n.currentTerm

	entry := LogEntry{Term: entryTerm, Index: idx, Type: typ, Command: cmd}
	if err := n.log.Append(entry); err != nil {
		return false, 0, 0, ""
	}
	n.matchIndex[n.id] = idx
	// The leader's own match index moved; in a cluster with no peers this
	// alone is a majority, so the entry commits here.
	n.advanceCommitIndexLocked()
	return true, idx, entryTerm, ""
}
