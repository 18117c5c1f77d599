package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"handoff/api/handoffv1"
	"handoff/pkg/record"
)

// peerStub adapts a PeerHandler and a Manager to the gRPC services.
type peerStub struct {
	h   PeerHandler
	mgr *Manager
}

func (s *peerStub) Drain(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	recs, err := s.h.HandleDrain(ctx, record.Label(in.GetValue()))
	if err != nil {
		return nil, err
	}
	return handoffv1.EncodeRecords(recs), nil
}

func (s *peerStub) Notify(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	s.h.HandleNotify(ctx, record.Label(in.GetValue()))
	return &emptypb.Empty{}, nil
}

func (s *peerStub) Join(_ context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
	m := handoffv1.DecodeMember(in)
	s.mgr.Join(m.ID, m.Address)
	nodes := append([]Node{s.mgr.Self()}, PeersOf(s.mgr)...)
	return handoffv1.EncodeMembers(MembersFromNodes(nodes)), nil
}

func (s *peerStub) Leave(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	s.mgr.Leave(handoffv1.DecodeMember(in).ID)
	return &emptypb.Empty{}, nil
}

func (s *peerStub) Members(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	return handoffv1.EncodeMembers(MembersFromNodes(s.mgr.Members())), nil
}

// bufNet serves peer stubs on in-memory listeners keyed by address.
type bufNet struct {
	t         *testing.T
	listeners map[string]*bufconn.Listener
}

func newBufNet(t *testing.T) *bufNet {
	return &bufNet{t: t, listeners: make(map[string]*bufconn.Listener)}
}

func (b *bufNet) serve(addr string, stub *peerStub) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	handoffv1.RegisterPeerServer(srv, stub)
	handoffv1.RegisterClusterServer(srv, stub)
	go func() { _ = srv.Serve(lis) }()
	b.t.Cleanup(srv.Stop)
	b.listeners[addr] = lis
}

func (b *bufNet) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := b.listeners[addr]
		if !ok {
			return nil, &net.OpError{Op: "dial", Net: "bufconn", Err: net.UnknownNetworkError(addr)}
		}
		return lis.DialContext(ctx)
	})
}

func TestGRPCTransport_GatherAndBroadcast(t *testing.T) {
	x := record.MustNew("roleA", []int{2, 1}, []byte("X"))
	y := record.MustNew("roleA", []int{2, 1}, []byte{})
	ha, hc := newStubHandler(x, y), newStubHandler()

	bn := newBufNet(t)
	bn.serve("a:7400", &peerStub{h: ha, mgr: NewManager(Config{NodeID: "a", Address: "a:7400"})})
	bn.serve("c:7400", &peerStub{h: hc, mgr: NewManager(Config{NodeID: "c", Address: "c:7400"})})

	mgr := NewManager(Config{NodeID: "b", Address: "b:7400"})
	mgr.Join("a", "a:7400")
	mgr.Join("c", "c:7400")
	mgr.Join("d", "d:7400") // nothing listening

	tr := NewGRPCTransport(mgr, GRPCOptions{Timeout: time.Second, DialOptions: []grpc.DialOption{bn.dialer()}})
	t.Cleanup(func() { _ = tr.Close() })

	peers := tr.Peers()
	assert.Equal(t, []string{"a", "c", "d"}, ids(peers))

	replies := tr.Gather(context.Background(), peers, "roleA")
	require.Len(t, replies, 2)
	assert.Equal(t, "a", replies[0].Node.ID)
	assert.Equal(t, []record.Record{x, y}, replies[0].Records)
	assert.Equal(t, "c", replies[1].Node.ID)
	assert.Empty(t, replies[1].Records)

	tr.Broadcast(context.Background(), peers, "roleB")
	assert.Equal(t, []record.Label{"roleB"}, ha.notifications())
	assert.Equal(t, []record.Label{"roleB"}, hc.notifications())
}

func TestGRPCTransport_JoinAndLeave(t *testing.T) {
	seed := NewManager(Config{NodeID: "a", Address: "a:7400"})
	seed.Join("c", "c:7400")

	bn := newBufNet(t)
	bn.serve("a:7400", &peerStub{h: newStubHandler(), mgr: seed})

	mgr := NewManager(Config{NodeID: "b", Address: "b:7400"})
	tr := NewGRPCTransport(mgr, GRPCOptions{Timeout: time.Second, DialOptions: []grpc.DialOption{bn.dialer()}})
	t.Cleanup(func() { _ = tr.Close() })

	nodes, err := tr.Join(context.Background(), "a:7400", JoinRequest{ID: "b", Address: "b:7400"})
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	assert.Equal(t, "a", nodes[0].ID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(nodes))
	assert.Equal(t, []string{"a", "b", "c"}, ids(seed.Members()))

	require.NoError(t, tr.Leave(context.Background(), "a:7400", "b"))
	assert.Equal(t, []string{"a", "c"}, ids(seed.Members()))

	_, err = tr.Join(context.Background(), "", JoinRequest{ID: "b"})
	assert.Error(t, err)
}
