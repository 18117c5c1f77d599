package cluster

import (
	"sort"
	"sync"
	"time"
)

// Manager maintains in-memory cluster state and basic leader election.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	nodes map[string]*Node
	now   func() time.Time
}

// NewManager creates a manager and registers the local node.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:   cfg,
		nodes: make(map[string]*Node),
		now:   time.Now,
	}
	// Register self
	m.nodes[cfg.NodeID] = &Node{
		ID:       cfg.NodeID,
		Address:  cfg.Address,
		Role:     RoleFollower,
		State:    "active",
		LastSeen: m.now(),
	}
	m.updateRolesLocked()
	return m
}

// Self returns the local node.
func (m *Manager) Self() Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := *m.nodes[m.cfg.NodeID]
	n.LastSeen = m.now()
	return n
}

// Join registers or refreshes a node that was contacted directly.
func (m *Manager) Join(id, address string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		n = &Node{ID: id}
		m.nodes[id] = n
	}
	if address != "" {
		n.Address = address
	}
	n.State = "active"
	n.LastSeen = m.now()
	m.updateRolesLocked()
}

// Observe adds a node learned second-hand. Known nodes are left untouched so
// that only direct contact keeps a node alive. Reports whether it was new.
func (m *Manager) Observe(id, address string) bool {
	if id == "" || address == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; ok {
		return false
	}
	m.nodes[id] = &Node{ID: id, Address: address, State: "active", LastSeen: m.now()}
	m.updateRolesLocked()
	return true
}

// Leave removes a node from the cluster. The local node cannot leave itself.
func (m *Manager) Leave(id string) {
	if id == m.cfg.NodeID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	m.updateRolesLocked()
}

// Heartbeat updates a node's liveness timestamp.
func (m *Manager) Heartbeat(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		n.LastSeen = m.now()
	}
	m.sweepLocked()
	m.updateRolesLocked()
}

// Members returns a snapshot of current nodes sorted by ID.
func (m *Manager) Members() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sortNodes(out)
	return out
}

// GetLeader returns the current leader if any.
func (m *Manager) GetLeader() (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	ln := m.nodes[m.leaderIDLocked()]
	if ln == nil {
		return Node{}, false
	}
	return *ln, true
}

// sweepLocked removes nodes that missed heartbeats.
func (m *Manager) sweepLocked() {
	ttl := m.cfg.HeartbeatTTL
	if ttl <= 0 {
		return
	}
	now := m.now()
	m.nodes[m.cfg.NodeID].LastSeen = now
	deadline := now.Add(-ttl)
	swept := false
	for id, n := range m.nodes {
		if n.LastSeen.Before(deadline) {
			delete(m.nodes, id)
			swept = true
		}
	}
	if swept {
		m.updateRolesLocked()
	}
}

// updateRolesLocked elects the smallest ID as leader and sets roles.
func (m *Manager) updateRolesLocked() {
	leader := m.leaderIDLocked()
	for id, n := range m.nodes {
		if id == leader {
			n.Role = RoleLeader
		} else {
			n.Role = RoleFollower
		}
	}
}

func (m *Manager) leaderIDLocked() string {
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}
