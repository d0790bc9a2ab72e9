// Package coordinator wires the storage engine, consistent-hash ring,
// Raft consensus node, and predictive sharder into the single
// client-facing entry point described in spec §4.7: every read and
// write lands here, is routed to a shard, proposed through Raft where
// required, and recorded as telemetry for the predictive sharder.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/lsm"
	"github.com/kvstorm/kvstorm/internal/pinn"
	"github.com/kvstorm/kvstorm/internal/predictor"
	"github.com/kvstorm/kvstorm/internal/raft"
	"github.com/kvstorm/kvstorm/internal/ring"
	"github.com/kvstorm/kvstorm/pkg/metrics"
)

// StorageBackend extends lsm.Backend with the range scan and stats
// surface the coordinator needs for migration and reporting. lsm.Engine
// satisfies it; tests substitute an in-memory fake.
type StorageBackend interface {
	lsm.Backend
	ScanRange(start, end []byte) ([][]byte, [][]byte, error)
	Stats() lsm.EngineStats
	Close() error
}

// Config assembles everything Open needs to bring up one node.
type Config struct {
	NodeID         uint64
	Peers          []uint64
	DataDir        string
	NumShards      int
	VnodesPerShard int

	Storage   lsm.Config
	Raft      raft.Config
	Predictor predictor.Config
	PINN      pinn.Config

	Transport         raft.RPCTransport
	MigrationThreshold float64

	// Metrics is optional; when set, request counts and shard load gauges
	// are reported through it on every client call.
	Metrics metrics.Collector
}

func (c *Config) setDefaults() {
	if c.NumShards == 0 {
		c.NumShards = 1
	}
	if c.VnodesPerShard == 0 {
		c.VnodesPerShard = 64
	}
	if c.MigrationThreshold == 0 {
		c.MigrationThreshold = 0.8
	}
}

// Result is the outcome of a client-facing Get/Put/Delete call.
type Result struct {
	Value      []byte
	Found      bool
	Accepted   bool
	LeaderHint string
	Err        error
}

// Stats is a point-in-time snapshot used by the dashboard endpoint.
type Stats struct {
	Storage   lsm.EngineStats
	Ring      ring.RingView
	Raft      RaftStats
	Predictor PredictorStats
}

// RaftStats reports this node's view of the consensus state machine.
type RaftStats struct {
	Role        string
	Term        uint64
	CommitIndex uint64
}

// PredictorStats reports the sharder's current forecast and training
// progress.
type PredictorStats struct {
	Loss     float64
	Forecast []float64
}

// Coordinator is one cluster node: storage + ring + Raft + predictor.
type Coordinator struct {
	cfg   Config
	store StorageBackend
	ring  *ring.Ring
	node  *raft.Node
	shard *predictor.Sharder
	model *pinn.Model

	ctx    context.Context
	cancel context.CancelFunc
}

// Open brings up a single node's storage, ring, predictor, and Raft
// node, wiring the apply callback that turns committed log entries into
// storage mutations and ring reconfiguration.
func Open(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.Transport == nil {
		return nil, errs.New(errs.KindProgramming, "coordinator: Config.Transport must not be nil")
	}

	engine, err := lsm.Open(cfg.DataDir, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return openWithStore(cfg, engine)
}

// openWithStore is Open's construction logic against an injected
// StorageBackend, letting tests substitute an in-memory fake instead of
// a real LSM tree.
func openWithStore(cfg Config, store StorageBackend) (*Coordinator, error) {
	r := ring.New(cfg.NumShards, cfg.VnodesPerShard)

	pinnCfg := cfg.PINN
	if pinnCfg.NumShards == 0 {
		pinnCfg = pinn.DefaultConfig(cfg.NumShards)
	}
	model := pinn.NewModel(pinnCfg, nil)
	clock := predictor.NewWallClock()
	sharder := predictor.NewSharder(model, clock, cfg.NumShards, cfg.Predictor)

	c := &Coordinator{
		cfg:   cfg,
		store: store,
		ring:  r,
		shard: sharder,
		model: model,
	}

	raftCfg := cfg.Raft
	raftCfg.ID = cfg.NodeID
	raftCfg.Peers = cfg.Peers
	raftCfg.DataDir = cfg.DataDir
	raftCfg.Apply = c.apply

	node, err := raft.NewNode(raftCfg, cfg.Transport)
	if err != nil {
		store.Close()
		return nil, err
	}
	c.node = node

	return c, nil
}

// Run starts the Raft node and predictive sharder background loops and
// blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.shard.Run(c.ctx)
	c.node.Run(c.ctx)
}

// Shutdown stops the node in the order spec §5 mandates: predictor,
// then Raft, then storage.
func (c *Coordinator) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.shard.Wait()
	c.node.Stop()
	return c.store.Close()
}

// apply is the Raft ApplyFunc: it decodes a committed entry per its
// type and dispatches to storage or the migration handler.
func (c *Coordinator) apply(index uint64, entry raft.LogEntry) error {
	switch entry.Type {
	case raft.EntryNoop, raft.EntryConfig:
		return nil
	case raft.EntryShardMove:
		move, err := decodeShardMove(entry.Command)
		if err != nil {
			return err
		}
		return c.applyShardMove(move)
	case raft.EntryNormal:
		cmd, err := decodeCmd(entry.Command)
		if err != nil {
			return err
		}
		switch cmd.Op {
		case opPut:
			return c.store.Store(cmd.Key, cmd.Value)
		case opDelete:
			return c.store.Remove(cmd.Key)
		default:
			return errs.New(errs.KindCorruption, fmt.Sprintf("unknown committed opcode %d", cmd.Op))
		}
	default:
		return errs.New(errs.KindCorruption, "unknown raft entry type")
	}
}

// Get reads a key and records read telemetry for the shard it resolves
// to, per §4.7.
func (c *Coordinator) Get(key []byte) Result {
	start := time.Now()
	shard := c.ring.GetShard(key)
	value, found, err := c.store.Load(key)
	c.recordTelemetry(shard, time.Since(start))
	if err != nil {
		return Result{Err: err}
	}
	return Result{Value: value, Found: found, Accepted: true}
}

// Put proposes a Put command through Raft, returning once the proposal
// is accepted by the leader — not once it commits, per §4.7/§9.
func (c *Coordinator) Put(key, value []byte) Result {
	return c.propose(newCmd(opPut, key, value))
}

// Delete proposes a Delete command through Raft.
func (c *Coordinator) Delete(key []byte) Result {
	return c.propose(newCmd(opDelete, key, nil))
}

func (c *Coordinator) propose(cmd Cmd) Result {
	start := time.Now()
	shard := c.ring.GetShard(cmd.Key)
	accepted, _, _, hint := c.node.Propose(cmd.encode())
	c.recordTelemetry(shard, time.Since(start))
	if !accepted {
		c.countProposal(false)
		return Result{Accepted: false, LeaderHint: hint}
	}
	c.countProposal(true)
	return Result{Accepted: true}
}

func (c *Coordinator) countProposal(accepted bool) {
	if c.cfg.Metrics == nil {
		return
	}
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	c.cfg.Metrics.IncCounter("proposals_total", map[string]string{"status": status}, 1)
}

func (c *Coordinator) recordTelemetry(shard ring.ShardID, latency time.Duration) {
	stats := c.store.Stats()
	load := float64(stats.ActiveMemtableBytes) / float64(c.cfg.Storage.MemtableSizeBytes+1)
	c.shard.RecordTelemetry(int(shard), load, 1.0, latency)

	if c.cfg.Metrics != nil {
		shardLabel := map[string]string{"shard": strconv.FormatUint(uint64(shard), 10)}
		c.cfg.Metrics.SetGauge("shard_load", shardLabel, load)
		c.cfg.Metrics.ObserveHistogram("request_latency_seconds", nil, latency.Seconds())
	}
}

// HandleAppendEntries is the inbound Raft RPC surface, called by the
// node's transport implementation.
func (c *Coordinator) HandleAppendEntries(req raft.AppendEntriesReq) raft.AppendEntriesResp {
	return c.node.HandleAppendEntries(req)
}

// HandleRequestVote is the inbound Raft RPC surface.
func (c *Coordinator) HandleRequestVote(req raft.RequestVoteReq) raft.RequestVoteResp {
	return c.node.HandleRequestVote(req)
}

// Stats snapshots storage, ring, Raft, and predictor state for the
// dashboard endpoint.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Storage: c.store.Stats(),
		Ring:    c.ring.Snapshot(),
		Raft: RaftStats{
			Role:        c.node.Role().String(),
			Term:        c.node.Term(),
			CommitIndex: c.node.CommitIndex(),
		},
		Predictor: PredictorStats{
			Loss:     c.shard.LastLoss(),
			Forecast: c.shard.PredictLoads(1),
		},
	}
}

// CheckMigrations polls the predictive sharder for overloaded shards
// and proposes a ShardMove for each recommendation found, per §4.7's
// advisory migration path. Intended to be called periodically by the
// daemon's main loop; it is a no-op on non-leader nodes since
// OnRecommendation's proposal is rejected and logged.
func (c *Coordinator) CheckMigrations() {
	recs := c.shard.MigrationRecommendations(c.cfg.MigrationThreshold)
	for _, rec := range recs {
		slog.Info("migration recommendation", "from", rec.From, "to", rec.To, "confidence", rec.Confidence)
		c.OnRecommendation(rec, nil, nil)
	}
}
