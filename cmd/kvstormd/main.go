package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvstorm/kvstorm/internal/config"
	"github.com/kvstorm/kvstorm/internal/coordinator"
	"github.com/kvstorm/kvstorm/internal/lsm"
	"github.com/kvstorm/kvstorm/internal/pinn"
	"github.com/kvstorm/kvstorm/internal/predictor"
	"github.com/kvstorm/kvstorm/internal/raft"
	"github.com/kvstorm/kvstorm/pkg/listener"
)

func main() {
	configPath := flag.String("config", "./kvstorm.yaml", "path to the node's YAML config file")
	useZK := flag.Bool("zk", false, "discover peers through ZooKeeper instead of the config's static peer list")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvstormd: failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A real network RPC transport is out of scope (§1 non-goals); this
	// daemon wires the in-process fake, which is sufficient for a
	// single-node deployment and for local exercising of the protocol
	// surface. Multi-node deployments require supplying a transport
	// that dispatches SendAppendEntries/SendRequestVote over the wire.
	transport := raft.NewFakeTransport(cfg.Node.ID)

	tick, heartbeat, apply := cfg.Raft.RaftTimings()
	coord, err := coordinator.Open(coordinator.Config{
		NodeID:         cfg.Node.ID,
		Peers:          cfg.Node.Peers,
		DataDir:        cfg.Node.DataDir,
		NumShards:      cfg.Sharding.NumShards,
		VnodesPerShard: cfg.Sharding.VnodesPerShard,
		Transport:      transport,
		Storage: lsm.Config{
			MemtableSizeBytes:   cfg.Storage.MemtableSizeBytes,
			NumLevels:           cfg.Storage.NumLevels,
			L0CompactionTrigger: cfg.Storage.L0CompactionTrigger,
			L0StopWritesTrigger: cfg.Storage.L0StopWritesTrigger,
			BlockCacheBlocks:    cfg.Storage.BlockCacheBlocks,
		},
		Raft: raft.Config{
			TickPeriod:        tick,
			HeartbeatInterval: heartbeat,
			ElectionMinMs:     cfg.Raft.ElectionMinMs,
			ElectionMaxMs:     cfg.Raft.ElectionMaxMs,
			BatchLimit:        cfg.Raft.BatchLimit,
			ApplyPeriod:       apply,
		},
		Predictor: predictor.Config{
			TrainInterval:     cfg.Predictor.TrainInterval(),
			MinSamplesToTrain: cfg.Predictor.MinSamplesToTrain,
			BatchSize:         cfg.Predictor.BatchSize,
		},
		PINN:               pinn.DefaultConfig(cfg.Sharding.NumShards),
		MigrationThreshold: cfg.Predictor.MigrationThreshold,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvstormd: failed to open coordinator: %v\n", err)
		os.Exit(1)
	}

	var zkd *coordinatorZK
	if *useZK && cfg.Discovery.Enabled {
		zkd, err = startZKDiscovery(ctx, cfg, transport)
		if err != nil {
			slog.Error("kvstormd: zk discovery failed to start", "error", err)
		}
	}

	go coord.Run(ctx)

	dash := newDashboard(coord, cfg.HTTP.ListenAddress)
	dash.start()

	migration := newMigrationListener(coord, cfg.Predictor.TrainInterval())
	migration.listener.Start(ctx)

	slog.Info("kvstormd started", "node_id", cfg.Node.ID, "data_dir", cfg.Node.DataDir)
	<-ctx.Done()
	slog.Info("kvstormd shutting down")

	migration.listener.Stop()
	if err := dash.stop(); err != nil {
		slog.Error("dashboard shutdown error", "error", err)
	}
	if zkd != nil {
		zkd.close()
	}
	if err := coord.Shutdown(); err != nil {
		slog.Error("coordinator shutdown error", "error", err)
	}
}

// migrationListener drives coord.CheckMigrations off a ticker channel
// through a listener.Listener, at the same cadence the predictor
// retrains on. The ticker itself is owned here so it can be stopped
// alongside the listener.
type migrationListener struct {
	ticker   *time.Ticker
	listener *listener.Listener[time.Time]
}

func newMigrationListener(coord *coordinator.Coordinator, interval time.Duration) *migrationListener {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	l := listener.New(ticker.C, func(time.Time) error {
		coord.CheckMigrations()
		return nil
	}, ticker.Stop)
	return &migrationListener{ticker: ticker, listener: l}
}

func initLogger(cfg config.Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
