package raft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"

	"handoff/pkg/cluster"
)

// ErrNoLeader is returned when a request must reach the leader but none is known.
var ErrNoLeader = errors.New("raft: no known leader")

// Forwarder relays membership changes to another node's Cluster service.
type Forwarder interface {
	Join(ctx context.Context, addr string, req cluster.JoinRequest) ([]cluster.Node, error)
	Leave(ctx context.Context, addr, id string) error
}

// Membership is the raft-replicated member registry. It implements
// cluster.Membership.
type Membership struct {
	node    *Node
	fsm     *FSM
	sub     *Submitter
	self    Member
	forward Forwarder
	log     hclog.Logger
}

var _ cluster.Membership = (*Membership)(nil)

// NewMembership binds a started raft node and its FSM. address is this
// node's gRPC address as peers should dial it.
func NewMembership(node *Node, fsm *FSM, address string, forward Forwarder, logger hclog.Logger) *Membership {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Membership{
		node:    node,
		fsm:     fsm,
		sub:     NewSubmitter(node),
		self:    Member{ID: node.LocalID(), Address: address, RaftAddress: node.Addr()},
		forward: forward,
		log:     logger.Named("membership"),
	}
}

func (m *Membership) Self() cluster.Node {
	return m.toNode(m.self, m.node.LeaderID())
}

// Members returns registry entries plus self, sorted by ID.
func (m *Membership) Members() []cluster.Node {
	leader := m.node.LeaderID()
	registry := m.fsm.Members()
	nodes := make([]cluster.Node, 0, len(registry)+1)
	sawSelf := false
	for _, e := range registry {
		if e.ID == m.self.ID {
			sawSelf = true
		}
		nodes = append(nodes, m.toNode(e, leader))
	}
	if !sawSelf {
		nodes = append(nodes, m.Self())
		sortByID(nodes)
	}
	return nodes
}

func (m *Membership) toNode(e Member, leader string) cluster.Node {
	role := cluster.RoleFollower
	if e.ID == leader {
		role = cluster.RoleLeader
	}
	return cluster.Node{ID: e.ID, Address: e.Address, Role: role, State: "active", LastSeen: time.Now()}
}

// Join adds a node as a raft voter and records its address. Followers
// forward the request to the leader.
func (m *Membership) Join(ctx context.Context, req cluster.JoinRequest) error {
	if req.ID == "" {
		return fmt.Errorf("join: empty node id")
	}
	if !m.sub.IsLeader() {
		addr, err := m.leaderAddr()
		if err != nil {
			return err
		}
		_, err = m.forward.Join(ctx, addr, req)
		return err
	}

	if req.RaftAddress != "" {
		if err := m.addVoter(req.ID, req.RaftAddress); err != nil {
			return fmt.Errorf("add voter %s: %w", req.ID, err)
		}
	}
	if existing, ok := m.fsm.Lookup(req.ID); ok && existing.Address == req.Address && existing.RaftAddress == req.RaftAddress {
		return nil
	}
	cmd, err := NewCommand(CmdMemberJoin, Member{ID: req.ID, Address: req.Address, RaftAddress: req.RaftAddress})
	if err != nil {
		return err
	}
	if err := m.sub.Submit(ctx, cmd); err != nil {
		return fmt.Errorf("member join: %w", err)
	}
	m.log.Info("member joined", "id", req.ID, "addr", req.Address)
	return nil
}

func (m *Membership) addVoter(id, raftAddr string) error {
	servers, err := m.node.Servers()
	if err != nil {
		return err
	}
	for _, s := range servers {
		if s.ID == hraft.ServerID(id) && s.Address == hraft.ServerAddress(raftAddr) {
			return nil
		}
	}
	return m.node.raft.AddVoter(hraft.ServerID(id), hraft.ServerAddress(raftAddr), 0, 0).Error()
}

// Leave removes a node from raft and from the registry.
func (m *Membership) Leave(ctx context.Context, id string) error {
	if !m.sub.IsLeader() {
		addr, err := m.leaderAddr()
		if err != nil {
			return err
		}
		return m.forward.Leave(ctx, addr, id)
	}
	if err := m.node.raft.RemoveServer(hraft.ServerID(id), 0, 0).Error(); err != nil {
		return fmt.Errorf("remove server %s: %w", id, err)
	}
	cmd, err := NewCommand(CmdMemberLeave, struct {
		ID string `json:"id"`
	}{ID: id})
	if err != nil {
		return err
	}
	return m.sub.Submit(ctx, cmd)
}

func (m *Membership) leaderAddr() (string, error) {
	leader := m.node.LeaderID()
	if leader == "" {
		return "", ErrNoLeader
	}
	e, ok := m.fsm.Lookup(leader)
	if !ok || e.Address == "" {
		return "", fmt.Errorf("%w: leader %s has no registered address", ErrNoLeader, leader)
	}
	return e.Address, nil
}

// Register puts this node into the registry. The leader applies it directly;
// other nodes ask each seed in turn. Attempts repeat with exponential backoff
// until one succeeds or maxElapsed passes.
func (m *Membership) Register(ctx context.Context, seeds []string, maxElapsed time.Duration) error {
	req := cluster.JoinRequest{ID: m.self.ID, Address: m.self.Address, RaftAddress: m.self.RaftAddress}
	op := func() (struct{}, error) {
		if m.sub.IsLeader() {
			return struct{}{}, m.Join(ctx, req)
		}
		var lastErr error = ErrNoLeader
		for _, seed := range seeds {
			if seed == "" || seed == m.self.Address {
				continue
			}
			if _, err := m.forward.Join(ctx, seed, req); err != nil {
				lastErr = err
				continue
			}
			return struct{}{}, nil
		}
		m.log.Debug("registration pending", "error", lastErr)
		return struct{}{}, lastErr
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", m.self.ID, err)
	}
	return nil
}

// Shutdown stops the raft node.
func (m *Membership) Shutdown() error {
	return m.node.Shutdown()
}

func sortByID(nodes []cluster.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
