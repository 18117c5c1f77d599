// Package raft replicates the cluster member registry with hashicorp/raft.
// Handoff records never pass through raft; only node id to address mappings do.
package raft

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config contains the minimal settings to start a Raft node.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	// InMemory keeps log, stable and snapshot stores in memory and uses an
	// in-process transport. BindAddr then only names the node.
	InMemory bool
	Logger   hclog.Logger
}

// Node wraps hashicorp/raft components.
type Node struct {
	id     string
	raft   *hraft.Raft
	logs   hraft.LogStore
	stable hraft.StableStore
	trans  hraft.Transport
}

// Start sets up a local raft node. Joining an existing cluster goes through
// the leader's Cluster service.
func Start(cfg Config, fsm hraft.FSM) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: node id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("raft")

	var (
		logs   hraft.LogStore
		stable hraft.StableStore
		snap   hraft.SnapshotStore
		trans  hraft.Transport
	)
	if cfg.InMemory {
		store := hraft.NewInmemStore()
		logs, stable = store, store
		snap = hraft.NewInmemSnapshotStore()
		_, trans = hraft.NewInmemTransport(hraft.ServerAddress(cfg.BindAddr))
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("raft data dir: %w", err)
		}
		store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
		if err != nil {
			return nil, fmt.Errorf("bolt log store: %w", err)
		}
		stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("bolt stable store: %w", err)
		}
		logs, stable = store, stableStore
		snap, err = hraft.NewFileSnapshotStoreWithLogger(filepath.Join(cfg.DataDir, "raft-snapshots"), 2, logger)
		if err != nil {
			closeStores(logs, stable)
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			closeStores(logs, stable)
			return nil, fmt.Errorf("raft bind addr: %w", err)
		}
		trans, err = hraft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, logger)
		if err != nil {
			closeStores(logs, stable)
			return nil, fmt.Errorf("raft transport: %w", err)
		}
	}

	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.NodeID)
	rcfg.Logger = logger
	rcfg.HeartbeatTimeout = 200 * time.Millisecond
	rcfg.ElectionTimeout = 200 * time.Millisecond
	rcfg.LeaderLeaseTimeout = 200 * time.Millisecond
	rcfg.CommitTimeout = 50 * time.Millisecond

	ra, err := hraft.NewRaft(rcfg, fsm, logs, stable, snap, trans)
	if err != nil {
		closeStores(logs, stable)
		return nil, fmt.Errorf("raft: %w", err)
	}

	n := &Node{id: cfg.NodeID, raft: ra, logs: logs, stable: stable, trans: trans}

	if cfg.Bootstrap {
		conf := hraft.Configuration{Servers: []hraft.Server{{
			ID:      rcfg.LocalID,
			Address: trans.LocalAddr(),
		}}}
		// An already bootstrapped data dir is fine on restart.
		if err := ra.BootstrapCluster(conf).Error(); err != nil && err != hraft.ErrCantBootstrap {
			_ = n.Shutdown()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	return n, nil
}

// Addr returns the raft transport address.
func (n *Node) Addr() string {
	return string(n.trans.LocalAddr())
}

// LeaderID returns the current leader id, if known.
func (n *Node) LeaderID() string {
	if n == nil || n.raft == nil {
		return ""
	}
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// IsLeader reports whether this node is the current leader.
func (n *Node) IsLeader() bool {
	if n == nil || n.raft == nil {
		return false
	}
	return n.raft.State() == hraft.Leader
}

// LocalID returns the local server ID.
func (n *Node) LocalID() string {
	if n == nil {
		return ""
	}
	return n.id
}

// Servers returns the current raft configuration.
func (n *Node) Servers() ([]hraft.Server, error) {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, err
	}
	return f.Configuration().Servers, nil
}

// Shutdown stops raft and closes stores.
func (n *Node) Shutdown() error {
	if n == nil {
		return nil
	}
	err := n.raft.Shutdown().Error()
	if c, ok := n.trans.(hraft.WithClose); ok {
		_ = c.Close()
	}
	closeStores(n.logs, n.stable)
	return err
}

func closeStores(stores ...any) {
	for _, s := range stores {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
