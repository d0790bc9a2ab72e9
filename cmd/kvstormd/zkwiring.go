package main

import (
	"context"

	"github.com/kvstorm/kvstorm/internal/config"
	"github.com/kvstorm/kvstorm/internal/coordinator"
	"github.com/kvstorm/kvstorm/internal/raft"
)

// coordinatorZK bundles a running ZooKeeper discovery session so main
// can close it during shutdown.
type coordinatorZK struct {
	disc *coordinator.ZKDiscovery
}

func (z *coordinatorZK) close() {
	z.disc.Close()
}

// startZKDiscovery registers this node's ephemeral znode and launches
// the background watch loop that reconciles the Raft transport's peer
// set against ZooKeeper's live node list.
func startZKDiscovery(ctx context.Context, cfg config.Config, transport raft.RPCTransport) (*coordinatorZK, error) {
	disc, err := coordinator.NewZKDiscovery(cfg.Discovery.Servers, cfg.Discovery.RootPath, cfg.Node.ID, cfg.HTTP.ListenAddress)
	if err != nil {
		return nil, err
	}
	if err := disc.RegisterSelf(); err != nil {
		disc.Close()
		return nil, err
	}
	go disc.Watch(ctx, transport)
	return &coordinatorZK{disc: disc}, nil
}
