package cluster

import (
	"context"
	"sync"
	"time"

	"handoff/pkg/record"
)

// Network connects in-process directory nodes. Each node gets a
// LocalTransport; calls go straight to the attached PeerHandler.
type Network struct {
	mu          sync.RWMutex
	timeout     time.Duration
	handlers    map[string]PeerHandler
	unreachable map[string]bool
}

// NewNetwork creates an empty network. timeout bounds each per-node call.
func NewNetwork(timeout time.Duration) *Network {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Network{
		timeout:     timeout,
		handlers:    make(map[string]PeerHandler),
		unreachable: make(map[string]bool),
	}
}

// Attach registers the handler that answers requests addressed to id.
func (n *Network) Attach(id string, h PeerHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Detach removes id from the network.
func (n *Network) Detach(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
	delete(n.unreachable, id)
}

// SetReachable marks a node as reachable or not. Requests to an unreachable
// node are dropped as if the call had failed.
func (n *Network) SetReachable(id string, reachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[id] = !reachable
}

// Transport returns the transport used by node id.
func (n *Network) Transport(id string) *LocalTransport {
	return &LocalTransport{net: n, self: id}
}

func (n *Network) lookup(id string) (PeerHandler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[id]
	if !ok || n.unreachable[id] {
		return nil, false
	}
	return h, true
}

// LocalTransport is one node's view of a Network.
type LocalTransport struct {
	net  *Network
	self string
}

var _ Transport = (*LocalTransport)(nil)

// Peers returns every other attached node, sorted by ID.
func (t *LocalTransport) Peers() []Node {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	peers := make([]Node, 0, len(t.net.handlers))
	for id := range t.net.handlers {
		if id != t.self {
			peers = append(peers, Node{ID: id, Address: id, Role: RoleFollower, State: "active"})
		}
	}
	sortNodes(peers)
	return peers
}

func (t *LocalTransport) Broadcast(ctx context.Context, peers []Node, label record.Label) {
	for _, p := range peers {
		if h, ok := t.net.lookup(p.ID); ok {
			h.HandleNotify(ctx, label)
		}
	}
}

func (t *LocalTransport) Gather(ctx context.Context, peers []Node, label record.Label) []Reply {
	results := make([]*Reply, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		h, ok := t.net.lookup(p.ID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, p Node, h PeerHandler) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, t.net.timeout)
			defer cancel()
			recs, err := h.HandleDrain(cctx, label)
			if err != nil {
				return
			}
			results[i] = &Reply{Node: p, Records: recs}
		}(i, p, h)
	}
	wg.Wait()
	return collect(results)
}

func collect(results []*Reply) []Reply {
	out := make([]Reply, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
