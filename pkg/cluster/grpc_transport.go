package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/patrickmn/go-cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"handoff/api/handoffv1"
	"handoff/pkg/record"
)

// GRPCOptions configures a GRPCTransport.
type GRPCOptions struct {
	// Timeout bounds each per-node RPC. Defaults to 5s.
	Timeout time.Duration
	// IdleTimeout closes connections unused for this long. Defaults to 5m.
	IdleTimeout time.Duration
	// DialOptions are appended to the defaults (insecure credentials).
	DialOptions []grpc.DialOption
	Logger      hclog.Logger
}

// GRPCTransport talks to peers through their handoff.v1.Peer and
// handoff.v1.Cluster services.
type GRPCTransport struct {
	members Membership
	opts    GRPCOptions
	log     hclog.Logger

	mu    sync.Mutex
	conns *cache.Cache
}

var (
	_ Transport = (*GRPCTransport)(nil)
	_ Joiner    = (*GRPCTransport)(nil)
)

// NewGRPCTransport creates a transport whose peers are the non-self members
// reported by members. members may be nil and bound later with Bind.
func NewGRPCTransport(members Membership, opts GRPCOptions) *GRPCTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	t := &GRPCTransport{
		members: members,
		opts:    opts,
		log:     opts.Logger.Named("transport"),
		conns:   cache.New(opts.IdleTimeout, opts.IdleTimeout/2),
	}
	t.conns.OnEvicted(func(addr string, v interface{}) {
		if cc, ok := v.(*grpc.ClientConn); ok {
			t.log.Debug("closing idle peer connection", "addr", addr)
			_ = cc.Close()
		}
	})
	return t
}

// Bind sets the membership peers are read from. It must be called before
// the transport serves Peers when NewGRPCTransport was given nil.
func (t *GRPCTransport) Bind(members Membership) {
	t.members = members
}

func (t *GRPCTransport) Peers() []Node {
	if t.members == nil {
		return nil
	}
	return PeersOf(t.members)
}

// Broadcast sends notify to every peer concurrently and waits for all calls
// to finish or time out.
func (t *GRPCTransport) Broadcast(ctx context.Context, peers []Node, label record.Label) {
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p Node) {
			defer wg.Done()
			cc, err := t.conn(p.Address)
			if err != nil {
				t.log.Debug("notify skipped", "peer", p.ID, "error", err)
				return
			}
			cctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
			defer cancel()
			if _, err := handoffv1.NewPeerClient(cc).Notify(cctx, handoffv1.Label(label)); err != nil {
				t.log.Debug("notify failed", "peer", p.ID, "label", label, "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// Gather drains label on every peer concurrently. Peers that fail or exceed
// the timeout are left out of the result.
func (t *GRPCTransport) Gather(ctx context.Context, peers []Node, label record.Label) []Reply {
	results := make([]*Reply, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p Node) {
			defer wg.Done()
			cc, err := t.conn(p.Address)
			if err != nil {
				t.log.Debug("drain skipped", "peer", p.ID, "error", err)
				return
			}
			cctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
			defer cancel()
			list, err := handoffv1.NewPeerClient(cc).Drain(cctx, handoffv1.Label(label))
			if err != nil {
				t.log.Debug("drain failed", "peer", p.ID, "label", label, "error", err)
				return
			}
			recs, err := handoffv1.DecodeRecords(list)
			if err != nil {
				t.log.Warn("discarding malformed drain reply", "peer", p.ID, "label", label, "error", err)
				return
			}
			results[i] = &Reply{Node: p, Records: recs}
		}(i, p)
	}
	wg.Wait()
	return collect(results)
}

// Join announces req to the node at addr and returns the members it knows.
func (t *GRPCTransport) Join(ctx context.Context, addr string, req JoinRequest) ([]Node, error) {
	cc, err := t.conn(addr)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	list, err := handoffv1.NewClusterClient(cc).Join(cctx, handoffv1.EncodeMember(handoffv1.Member{
		ID:          req.ID,
		Address:     req.Address,
		RaftAddress: req.RaftAddress,
	}))
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", addr, err)
	}
	return NodesFromMembers(handoffv1.DecodeMembers(list)), nil
}

// Leave tells the node at addr that id is going away.
func (t *GRPCTransport) Leave(ctx context.Context, addr, id string) error {
	cc, err := t.conn(addr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	_, err = handoffv1.NewClusterClient(cc).Leave(cctx, handoffv1.EncodeMember(handoffv1.Member{ID: id}))
	return err
}

// Close closes every pooled connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range t.conns.Items() {
		if cc, ok := item.Object.(*grpc.ClientConn); ok {
			_ = cc.Close()
		}
	}
	t.conns.Flush()
	return nil
}

// conn returns a pooled connection to addr, dialing when none is cached.
func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, fmt.Errorf("peer has no address")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.conns.Get(addr); ok {
		cc := v.(*grpc.ClientConn)
		t.conns.SetDefault(addr, cc)
		return cc, nil
	}
	// An expired entry may still be held; Delete closes it via OnEvicted.
	t.conns.Delete(addr)

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, t.opts.DialOptions...)
	cc, err := grpc.NewClient("passthrough:///"+addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.conns.SetDefault(addr, cc)
	return cc, nil
}

// NodesFromMembers converts wire members to nodes.
func NodesFromMembers(ms []handoffv1.Member) []Node {
	nodes := make([]Node, 0, len(ms))
	for _, m := range ms {
		nodes = append(nodes, Node{
			ID:       m.ID,
			Address:  m.Address,
			Role:     Role(m.Role),
			State:    m.State,
			LastSeen: m.LastSeen,
		})
	}
	return nodes
}

// MembersFromNodes converts nodes to wire members.
func MembersFromNodes(nodes []Node) []handoffv1.Member {
	ms := make([]handoffv1.Member, 0, len(nodes))
	for _, n := range nodes {
		ms = append(ms, handoffv1.Member{
			ID:       n.ID,
			Address:  n.Address,
			Role:     string(n.Role),
			State:    n.State,
			LastSeen: n.LastSeen,
		})
	}
	return ms
}
