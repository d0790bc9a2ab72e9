package raft

import (
	"context"
	"log/slog"
	"time"
)

// applierLoop implements the Applier worker of spec §4.4: advances
// lastApplied up to commitIndex, invoking ApplyFunc for each entry in
// order. It runs on its own goroutine, woken either by the ApplyPeriod
// ticker or by a signal from an RPC handler that moved commitIndex
// forward, so a slow apply never stalls AppendEntries acknowledgment
// (Design Notes, §9 callback-driven apply).
func (n *Node) applierLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.ApplyPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.applyCommitted()
		case <-n.applyCh:
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		idx := n.lastApplied + 1
		entry := n.log.MustGet(idx)
		n.mu.Unlock()

		if n.cfg.Apply != nil {
			if err := n.cfg.Apply(idx, entry); err != nil {
				slog.Error("raft: apply callback failed", "index", idx, "error", err)
				return
			}
		}

		n.mu.Lock()
		if idx == n.lastApplied+1 {
			n.lastApplied = idx
		}
		n.mu.Unlock()
	}
}
