package coordinator

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/kvstorm/kvstorm/internal/errs"
)

// opcode identifies the operation encoded in a Raft Normal entry's
// command bytes, per spec §4.7/§6.
type opcode byte

const (
	opPut    opcode = 0x01
	opDelete opcode = 0x02
)

// Cmd is the coordinator's command envelope proposed through Raft, in
// the style of pkg/raftadapter/cmd.go: a uuid.UUID correlates a
// client-issued command with its eventual apply, letting callers
// await/log the specific proposal instead of a bare index.
type Cmd struct {
	Op    opcode
	Key   []byte
	Value []byte
	ID    uuid.UUID
}

func newCmd(op opcode, key, value []byte) Cmd {
	return Cmd{Op: op, Key: key, Value: value, ID: uuid.New()}
}

// encode serializes c per §4.7's wire layout:
// Put:    [op:1][klen:4][key][vlen:4][value][id:16]
// Delete: [op:1][klen:4][key][id:16]
// The 16-byte uuid suffix is an addition beyond the distilled spec's
// literal byte layout, needed to carry the correlation id introduced by
// adopting pkg/raftadapter/cmd.go's Cmd shape; decode tolerates its
// absence for exactly the two prefixes above so the mandated core layout
// still round-trips on its own.
func (c Cmd) encode() []byte {
	switch c.Op {
	case opPut:
		buf := make([]byte, 1+4+len(c.Key)+4+len(c.Value)+16)
		buf[0] = byte(opPut)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(c.Key)))
		off := 5
		copy(buf[off:], c.Key)
		off += len(c.Key)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(c.Value)))
		off += 4
		copy(buf[off:], c.Value)
		off += len(c.Value)
		copy(buf[off:], c.ID[:])
		return buf
	case opDelete:
		buf := make([]byte, 1+4+len(c.Key)+16)
		buf[0] = byte(opDelete)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(c.Key)))
		off := 5
		copy(buf[off:], c.Key)
		off += len(c.Key)
		copy(buf[off:], c.ID[:])
		return buf
	default:
		return nil
	}
}

func decodeCmd(b []byte) (Cmd, error) {
	if len(b) < 1 {
		return Cmd{}, errs.New(errs.KindCorruption, "empty raft command")
	}
	op := opcode(b[0])
	switch op {
	case opPut:
		if len(b) < 5 {
			return Cmd{}, errs.New(errs.KindCorruption, "truncated put command")
		}
		klen := binary.LittleEndian.Uint32(b[1:5])
		off := 5
		if uint32(len(b)-off) < klen {
			return Cmd{}, errs.New(errs.KindCorruption, "truncated put key")
		}
		key := b[off : off+int(klen)]
		off += int(klen)
		if len(b)-off < 4 {
			return Cmd{}, errs.New(errs.KindCorruption, "truncated put value length")
		}
		vlen := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		if uint32(len(b)-off) < vlen {
			return Cmd{}, errs.New(errs.KindCorruption, "truncated put value")
		}
		value := b[off : off+int(vlen)]
		off += int(vlen)
		var id uuid.UUID
		if len(b)-off >= 16 {
			copy(id[:], b[off:off+16])
		}
		return Cmd{Op: opPut, Key: key, Value: value, ID: id}, nil
	case opDelete:
		if len(b) < 5 {
			return Cmd{}, errs.New(errs.KindCorruption, "truncated delete command")
		}
		klen := binary.LittleEndian.Uint32(b[1:5])
		off := 5
		if uint32(len(b)-off) < klen {
			return Cmd{}, errs.New(errs.KindCorruption, "truncated delete key")
		}
		key := b[off : off+int(klen)]
		off += int(klen)
		var id uuid.UUID
		if len(b)-off >= 16 {
			copy(id[:], b[off:off+16])
		}
		return Cmd{Op: opDelete, Key: key, ID: id}, nil
	default:
		return Cmd{}, errs.New(errs.KindCorruption, "unknown raft command opcode")
	}
}
