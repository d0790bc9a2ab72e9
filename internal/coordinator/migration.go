package coordinator

import (
	"encoding/binary"
	"log/slog"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/predictor"
	"github.com/kvstorm/kvstorm/internal/raft"
	"github.com/kvstorm/kvstorm/internal/ring"
)

// shardMove is the payload of a raft.EntryShardMove entry, encoded as
// [from:2][to:2][startLen:4][start][endLen:4][end] per §4.7.
type shardMove struct {
	From, To   ring.ShardID
	Start, End []byte
}

func (m shardMove) encode() []byte {
	buf := make([]byte, 2+2+4+len(m.Start)+4+len(m.End))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.From))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(m.To))
	off := 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(m.Start)))
	off += 4
	copy(buf[off:], m.Start)
	off += len(m.Start)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(m.End)))
	off += 4
	copy(buf[off:], m.End)
	return buf
}

func decodeShardMove(b []byte) (shardMove, error) {
	if len(b) < 8 {
		return shardMove{}, errs.New(errs.KindCorruption, "truncated shard-move command")
	}
	from := ring.ShardID(binary.LittleEndian.Uint16(b[0:2]))
	to := ring.ShardID(binary.LittleEndian.Uint16(b[2:4]))
	off := 4
	startLen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if uint32(len(b)-off) < startLen {
		return shardMove{}, errs.New(errs.KindCorruption, "truncated shard-move start")
	}
	start := append([]byte(nil), b[off:off+int(startLen)]...)
	off += int(startLen)
	if len(b)-off < 4 {
		return shardMove{}, errs.New(errs.KindCorruption, "truncated shard-move end length")
	}
	endLen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if uint32(len(b)-off) < endLen {
		return shardMove{}, errs.New(errs.KindCorruption, "truncated shard-move end")
	}
	end := append([]byte(nil), b[off:off+int(endLen)]...)
	return shardMove{From: from, To: to, Start: start, End: end}, nil
}

// OnRecommendation is the migration handler's entry point: it proposes a
// ShardMove entry through Raft, treating its eventual commit as
// authorization for the transfer, per §4.7's "production path".
// Non-leaders and rejected proposals are logged and otherwise ignored,
// since recommendations are advisory and will be reconsidered on the next
// training interval.
func (c *Coordinator) OnRecommendation(rec predictor.Recommendation, keyRangeStart, keyRangeEnd []byte) {
	move := shardMove{
		From:  ring.ShardID(rec.From),
		To:    ring.ShardID(rec.To),
		Start: keyRangeStart,
		End:   keyRangeEnd,
	}
	accepted, index, _, hint := c.node.ProposeTyped(raft.EntryShardMove, move.encode())
	if !accepted {
		slog.Info("shard move proposal rejected, not leader", "leader_hint", hint)
		return
	}
	slog.Info("shard move proposed", "index", index, "from", rec.From, "to", rec.To)
}

// applyShardMove is invoked by the Raft apply callback once a ShardMove
// entry commits: it installs a ring override immediately (so traffic
// redirects before the physical transfer completes) and launches the
// advisory background transfer.
func (c *Coordinator) applyShardMove(move shardMove) error {
	if err := c.ring.MigrateKeyRange(move.Start, move.End, move.From, move.To); err != nil {
		return err
	}
	go c.transferKeyRange(move)
	return nil
}

// transferKeyRange scans the source shard's owned key range via the
// engine's iterator and re-proposes each key so it is durably recorded
// under the new owner's regime, then reconciles the override. Per §4.7
// this is an advisory extension: failures are logged, not retried, and
// never block client traffic since the override already redirects reads
// and writes to move.To.
func (c *Coordinator) transferKeyRange(move shardMove) {
	keys, values, err := c.store.ScanRange(move.Start, move.End)
	if err != nil {
		slog.Error("shard transfer scan failed", "from", move.From, "to", move.To, "error", err)
		return
	}
	for i, key := range keys {
		cmd := newCmd(opPut, key, values[i])
		accepted, _, _, _ := c.node.Propose(cmd.encode())
		if !accepted {
			slog.Warn("shard transfer re-propose rejected mid-transfer, aborting", "key", string(key))
			return
		}
	}
	c.ring.ReconcileOverride(move.Start, move.End)
	slog.Info("shard transfer complete", "from", move.From, "to", move.To, "keys", len(keys))
}
