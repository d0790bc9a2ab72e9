package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/kvstorm/kvstorm/internal/errs"
	"github.com/kvstorm/kvstorm/internal/raft"
)

// ZKDiscovery resolves the Raft cluster's peer addresses through
// ZooKeeper instead of a static peer list, in the style of
// pkg/cluster/zookeeper.go (ZKMembership): each node registers an
// ephemeral znode under rootPath+"/nodes/<id>" carrying its own
// address, and every node watches the children list to learn about
// peers joining or leaving. Gated behind the daemon's --zk flag; a
// statically-configured Config.Peers list is used otherwise.
type ZKDiscovery struct {
	conn     *zk.Conn
	rootPath string
	selfID   uint64
	selfAddr string
}

// NewZKDiscovery connects to the given ZooKeeper ensemble.
func NewZKDiscovery(servers []string, rootPath string, selfID uint64, selfAddr string) (*ZKDiscovery, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOTransient, "zk connect", err)
	}
	return &ZKDiscovery{conn: conn, rootPath: rootPath, selfID: selfID, selfAddr: selfAddr}, nil
}

// Close releases the ZooKeeper session.
func (d *ZKDiscovery) Close() error {
	d.conn.Close()
	return nil
}

func (d *ZKDiscovery) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return errs.Wrap(errs.KindIOTransient, "zk exists", err)
		}
		if !exists {
			if _, err := d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
				return errs.Wrap(errs.KindIOTransient, "zk create", err)
			}
		}
	}
	return nil
}

// RegisterSelf waits for the session to connect and creates this
// node's ephemeral znode, encoding its address as the node's data so
// peers can resolve it.
func (d *ZKDiscovery) RegisterSelf() error {
	if err := d.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := d.ensurePath(d.rootPath + "/nodes"); err != nil {
		return err
	}
	path := fmt.Sprintf("%s/nodes/%d", d.rootPath, d.selfID)
	_, err := d.conn.Create(path, []byte(d.selfAddr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return errs.Wrap(errs.KindIOTransient, "zk create ephemeral node", err)
	}
	slog.Info("zk: registered node", "path", path, "addr", d.selfAddr)
	return nil
}

func (d *ZKDiscovery) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New(errs.KindIOTransient, fmt.Sprintf("zk: not connected after %s, state=%v", timeout, st))
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (d *ZKDiscovery) readPeers() (map[uint64]string, error) {
	children, _, err := d.conn.Children(d.rootPath + "/nodes")
	if err != nil {
		return nil, errs.Wrap(errs.KindIOTransient, "zk children", err)
	}
	peers := make(map[uint64]string, len(children))
	for _, child := range children {
		id, err := strconv.ParseUint(child, 10, 64)
		if err != nil {
			continue
		}
		if id == d.selfID {
			continue
		}
		data, _, err := d.conn.Get(d.rootPath + "/nodes/" + child)
		if err != nil {
			continue
		}
		peers[id] = string(data)
	}
	return peers, nil
}

// Watch runs until ctx is cancelled, reconciling transport's peer set
// against ZooKeeper's live node list on every change notification —
// mirroring ZKMembership.RunWatch's read-then-block-on-watch loop.
func (d *ZKDiscovery) Watch(ctx context.Context, transport raft.RPCTransport) {
	known := make(map[uint64]string)
	for {
		children, _, ch, err := d.conn.ChildrenW(d.rootPath + "/nodes")
		if err != nil {
			slog.Error("zk: ChildrenW failed", "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		current := make(map[uint64]string, len(children))
		for _, child := range children {
			id, err := strconv.ParseUint(child, 10, 64)
			if err != nil || id == d.selfID {
				continue
			}
			data, _, err := d.conn.Get(d.rootPath + "/nodes/" + child)
			if err != nil {
				continue
			}
			current[id] = string(data)
		}

		for id, addr := range current {
			if known[id] != addr {
				transport.AddPeer(id, addr)
			}
		}
		for id := range known {
			if _, ok := current[id]; !ok {
				transport.RemovePeer(id)
			}
		}
		known = current

		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}
