package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"handoff/api/handoffv1"
	"handoff/config"
	"handoff/pkg/directory"
	"handoff/pkg/record"
)

// bufNet routes peer addresses to in-memory listeners.
type bufNet struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newBufNet() *bufNet {
	return &bufNet{listeners: map[string]*bufconn.Listener{}}
}

func (b *bufNet) listen(addr string) *bufconn.Listener {
	lis := bufconn.Listen(1 << 20)
	b.mu.Lock()
	b.listeners[addr] = lis
	b.mu.Unlock()
	return lis
}

func (b *bufNet) dial(ctx context.Context, addr string) (net.Conn, error) {
	b.mu.Lock()
	lis, ok := b.listeners[addr]
	b.mu.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "bufconn", Err: net.UnknownNetworkError(addr)}
	}
	return lis.DialContext(ctx)
}

func (b *bufNet) client(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	cc, err := grpc.NewClient("passthrough:///"+addr,
		grpc.WithContextDialer(b.dial),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func startServer(t *testing.T, network *bufNet, addr string, cfg *config.Config) *Server {
	t.Helper()
	lis := network.listen(addr)

	srv, err := NewServer(cfg, nil, WithDialOptions(grpc.WithContextDialer(network.dial)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func clusterConfig(id string, seeds ...string) *config.Config {
	cfg := testConfig()
	cfg.Cluster.Enabled = true
	cfg.Cluster.NodeID = id
	cfg.Cluster.AdvertiseAddr = id
	cfg.Cluster.Seeds = seeds
	cfg.Cluster.HeartbeatInterval = 50 * time.Millisecond
	cfg.Cluster.HeartbeatTTL = 5 * time.Second
	cfg.Cluster.RequestTimeout = time.Second
	return cfg
}

func openSubscription(t *testing.T, c *handoffv1.HandoffClient, label record.Label, id string) grpc.ServerStreamingClient[wrapperspb.StringValue] {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := c.Subscribe(ctx, handoffv1.EncodeSubscription(label, id))
	require.NoError(t, err)
	_, err = stream.Header()
	require.NoError(t, err)
	return stream
}

func openStream(t *testing.T, c *handoffv1.HandoffClient, label record.Label, id string) grpc.ServerStreamingClient[wrapperspb.StringValue] {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := c.Subscribe(ctx, handoffv1.EncodeSubscription(label, id))
	require.NoError(t, err)
	return stream
}

func TestServer_InitiateSubscribeComplete(t *testing.T) {
	network := newBufNet()
	startServer(t, network, "node", testConfig())
	c := handoffv1.NewHandoffClient(network.client(t, "node"))
	ctx := context.Background()

	stream := openSubscription(t, c, "roleA", "new-worker")

	x := record.MustNew("roleA", []int{1, 2}, []byte("X"))
	_, err := c.Initiate(ctx, handoffv1.EncodeRecord(x, "old-worker"))
	require.NoError(t, err)

	note, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "roleA", note.GetValue())

	list, err := c.Complete(ctx, handoffv1.Label("roleA"))
	require.NoError(t, err)
	got, err := handoffv1.DecodeRecords(list)
	require.NoError(t, err)
	assert.Equal(t, []record.Record{x}, got)

	list, err = c.Complete(ctx, handoffv1.Label("roleA"))
	require.NoError(t, err)
	assert.Empty(t, list.GetValues())

	st, err := c.Stats(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), st.GetFields()["puts"].GetNumberValue())
	assert.Equal(t, float64(1), st.GetFields()["subscriptions"].GetNumberValue())
}

func TestServer_Validation(t *testing.T) {
	network := newBufNet()
	startServer(t, network, "node", testConfig())
	c := handoffv1.NewHandoffClient(network.client(t, "node"))
	ctx := context.Background()

	_, err := c.Complete(ctx, handoffv1.Label(""))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Unsubscribe(ctx, handoffv1.EncodeSubscription("", "w"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Initiate(ctx, handoffv1.EncodeSubscription("roleA", "w"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	stream, err := c.Subscribe(ctx, handoffv1.EncodeSubscription("", "w"))
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_UnsubscribeStopsNotifications(t *testing.T) {
	network := newBufNet()
	srv := startServer(t, network, "node", testConfig())
	c := handoffv1.NewHandoffClient(network.client(t, "node"))
	ctx := context.Background()

	openSubscription(t, c, "roleA", "w")
	_, err := c.Unsubscribe(ctx, handoffv1.EncodeSubscription("roleA", "w"))
	require.NoError(t, err)

	st, err := srv.Directory().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Subscriptions)
}

func TestServer_StreamCloseRemovesRegistration(t *testing.T) {
	network := newBufNet()
	srv := startServer(t, network, "node", testConfig())
	c := handoffv1.NewHandoffClient(network.client(t, "node"))

	sctx, cancel := context.WithCancel(context.Background())
	stream, err := c.Subscribe(sctx, handoffv1.EncodeSubscription("roleA", "w"))
	require.NoError(t, err)
	_, err = stream.Header()
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		st, err := srv.Directory().Stats(context.Background())
		return err == nil && st.Subscriptions == 0 && st.LivenessCleanups == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DuplicateStreamRefused(t *testing.T) {
	network := newBufNet()
	startServer(t, network, "node", testConfig())
	c := handoffv1.NewHandoffClient(network.client(t, "node"))
	ctx := context.Background()

	fctx, closeFirst := context.WithCancel(ctx)
	first, err := c.Subscribe(fctx, handoffv1.EncodeSubscription("roleA", "w"))
	require.NoError(t, err)
	_, err = first.Header()
	require.NoError(t, err)

	dup := openStream(t, c, "roleA", "w")
	_, err = dup.Recv()
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	// Another label or identity is independent.
	openSubscription(t, c, "roleB", "w")
	openSubscription(t, c, "roleA", "v")

	closeFirst()
	var again grpc.ServerStreamingClient[wrapperspb.StringValue]
	require.Eventually(t, func() bool {
		stream := openStream(t, c, "roleA", "w")
		if _, err := stream.Header(); err != nil {
			return false
		}
		again = stream
		return true
	}, 2*time.Second, 20*time.Millisecond)

	_, err = c.Initiate(ctx, handoffv1.EncodeRecord(record.MustNew("roleA", []int{1}, []byte("X")), "producer"))
	require.NoError(t, err)
	note, err := again.Recv()
	require.NoError(t, err)
	assert.Equal(t, "roleA", note.GetValue())
}

func TestServer_StopEndsStreams(t *testing.T) {
	network := newBufNet()
	lis := network.listen("node")
	srv, err := NewServer(testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	c := handoffv1.NewHandoffClient(network.client(t, "node"))
	stream := openSubscription(t, c, "roleA", "w")

	cancel()
	_, err = stream.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
	require.NoError(t, <-done)
}

func TestServer_ClusterHandoff(t *testing.T) {
	network := newBufNet()
	a := startServer(t, network, "node-a", clusterConfig("node-a"))
	b := startServer(t, network, "node-b", clusterConfig("node-b", "node-a"))

	require.Eventually(t, func() bool {
		return len(a.Members()) == 2 && len(b.Members()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	ca := handoffv1.NewHandoffClient(network.client(t, "node-a"))
	cb := handoffv1.NewHandoffClient(network.client(t, "node-b"))

	x := record.MustNew("roleA", []int{1}, []byte("X"))
	_, err := ca.Initiate(ctx, handoffv1.EncodeRecord(x, "old-worker"))
	require.NoError(t, err)

	stream := openSubscription(t, cb, "roleA", "new-worker")
	note, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "roleA", note.GetValue())

	list, err := cb.Complete(ctx, handoffv1.Label("roleA"))
	require.NoError(t, err)
	got, err := handoffv1.DecodeRecords(list)
	require.NoError(t, err)
	assert.Equal(t, []record.Record{x}, got)

	list, err = ca.Complete(ctx, handoffv1.Label("roleA"))
	require.NoError(t, err)
	assert.Empty(t, list.GetValues())
}

func TestServer_ClusterMembers(t *testing.T) {
	network := newBufNet()
	startServer(t, network, "node-a", clusterConfig("node-a"))
	startServer(t, network, "node-b", clusterConfig("node-b", "node-a"))
	cc := handoffv1.NewClusterClient(network.client(t, "node-a"))

	require.Eventually(t, func() bool {
		list, err := cc.Members(context.Background(), &emptypb.Empty{})
		if err != nil {
			return false
		}
		ms := handoffv1.DecodeMembers(list)
		return len(ms) == 2 && ms[0].ID == "node-a" && ms[0].Role == "leader" && ms[1].Address == "node-b"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"validation", &record.ValidationError{Field: "label", Reason: "is empty"}, codes.InvalidArgument},
		{"timeout", directory.ErrTimeout, codes.DeadlineExceeded},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"closed", directory.ErrClosed, codes.Unavailable},
		{"canceled", context.Canceled, codes.Canceled},
		{"status passthrough", status.Error(codes.NotFound, "x"), codes.NotFound},
		{"other", assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestServer_RaftMembershipSingleNode(t *testing.T) {
	cfg := clusterConfig("node-a")
	cfg.Cluster.Membership = config.MembershipRaft
	cfg.Cluster.Raft.BindAddr = "raft-a"
	cfg.Cluster.Raft.Bootstrap = true
	cfg.Cluster.Raft.JoinTimeout = 5 * time.Second

	network := newBufNet()
	lis := network.listen("node-a")
	srv, err := NewServer(cfg, nil, WithInMemoryRaft(), WithDialOptions(grpc.WithContextDialer(network.dial)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		ms := srv.Members()
		return len(ms) == 1 && ms[0].ID == "node-a" && ms[0].Role == "leader"
	}, 5*time.Second, 20*time.Millisecond)

	c := handoffv1.NewHandoffClient(network.client(t, "node-a"))
	x := record.MustNew("roleA", []int{1}, []byte("X"))
	_, err = c.Initiate(context.Background(), handoffv1.EncodeRecord(x, ""))
	require.NoError(t, err)
	list, err := c.Complete(context.Background(), handoffv1.Label("roleA"))
	require.NoError(t, err)
	assert.Len(t, list.GetValues(), 1)
}
