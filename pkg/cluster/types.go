package cluster

import (
	"context"
	"sort"
	"time"

	"handoff/pkg/record"
)

// Role indicates the node's cluster role.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Node represents a cluster member.
type Node struct {
	ID       string
	Address  string
	Role     Role
	State    string
	LastSeen time.Time
}

// Config controls the in-process cluster manager.
type Config struct {
	// NodeID is this process's ID.
	NodeID string
	// Address is this process's advertised gRPC address.
	Address string
	// HeartbeatTTL drops a node not seen within this duration. Zero disables the sweep.
	HeartbeatTTL time.Duration
}

// Membership reports the current cluster view.
type Membership interface {
	Self() Node
	// Members returns every known node including self, sorted by ID.
	Members() []Node
}

// PeersOf returns the members other than self.
func PeersOf(m Membership) []Node {
	self := m.Self().ID
	members := m.Members()
	peers := make([]Node, 0, len(members))
	for _, n := range members {
		if n.ID != self {
			peers = append(peers, n)
		}
	}
	return peers
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// Transport carries directory traffic between nodes. Delivery is best effort:
// unreachable or slow peers are left out, never reported as errors.
type Transport interface {
	// Peers returns the other currently known nodes.
	Peers() []Node
	// Broadcast tells every peer that data for label may be available.
	Broadcast(ctx context.Context, peers []Node, label record.Label)
	// Gather asks every peer to drain label and returns the replies that
	// arrived in time, in peer order.
	Gather(ctx context.Context, peers []Node, label record.Label) []Reply
}

// Reply is one peer's answer to a drain request.
type Reply struct {
	Node    Node
	Records []record.Record
}

// PeerHandler answers the requests a Transport delivers to a node.
type PeerHandler interface {
	HandleDrain(ctx context.Context, label record.Label) ([]record.Record, error)
	// HandleNotify must return promptly; the work it triggers runs later.
	HandleNotify(ctx context.Context, label record.Label)
}

// JoinRequest announces a node to a seed or leader.
type JoinRequest struct {
	ID          string
	Address     string
	RaftAddress string
}

// Joiner sends a join request to the node at addr and returns its member
// view, with the answering node first.
type Joiner interface {
	Join(ctx context.Context, addr string, req JoinRequest) ([]Node, error)
}
