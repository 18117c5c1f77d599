package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"handoff/api/handoffv1"
	"handoff/config"
	"handoff/pkg/cluster"
	raftex "handoff/pkg/cluster/raft"
	"handoff/pkg/directory"
	"handoff/pkg/logging"
	"handoff/storage"
)

// Server represents the gRPC server
type Server struct {
	config *config.Config
	log    hclog.Logger
	grpc   *grpc.Server

	dir       directory.Service
	registry  Registry
	announcer *cluster.Announcer
	transport *cluster.GRPCTransport
	raft      *raftex.Membership

	handoffService *HandoffService
	peerService    *PeerService
	clusterService *ClusterService

	dialOpts     []grpc.DialOption
	raftInMemory bool

	bg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Option customises a Server.
type Option func(*Server)

// WithDialOptions adds dial options for connections to peers.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(s *Server) { s.dialOpts = append(s.dialOpts, opts...) }
}

// WithInMemoryRaft keeps raft state in memory with an in-process transport.
func WithInMemoryRaft() Option {
	return func(s *Server) { s.raftInMemory = true }
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger hclog.Logger, options ...Option) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	msgSize := cfg.Server.MaxMsgSize
	if msgSize <= 0 {
		msgSize = 4 * 1024 * 1024 // 4MB
	}
	// Configure gRPC server options
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Second,
			Time:              5 * time.Second,
			Timeout:           1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(msgSize),
		grpc.MaxSendMsgSize(msgSize),
	}

	s := &Server{
		config: cfg,
		log:    logger,
		grpc:   grpc.NewServer(opts...),
		cancel: func() {},
	}
	for _, o := range options {
		o(s)
	}

	queue, err := storage.Open(cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}
	local := directory.NewLocal(directory.Config{
		Store:               queue,
		Logger:              logger,
		KeepSubscriberOnPut: !cfg.Directory.UnsubscribeOnPut,
		RecordTTL:           cfg.Directory.RecordTTL,
		SweepInterval:       cfg.Directory.SweepInterval,
	})

	if !cfg.Cluster.Enabled {
		s.dir = local
		s.registry = StaticRegistry{cluster.NewManager(cluster.Config{
			NodeID:  nodeID(cfg),
			Address: cfg.Server.Address(),
		})}
	} else if err := s.setupCluster(local); err != nil {
		_ = local.Close()
		return nil, err
	}

	// Initialize services
	s.handoffService = NewHandoffService(s.dir, cfg.Directory.DefaultTimeout, cfg.Directory.NotifyBuffer, logger)
	s.clusterService = NewClusterService(s.registry)

	// Register services
	handoffv1.RegisterHandoffServer(s.grpc, s.handoffService)
	handoffv1.RegisterClusterServer(s.grpc, s.clusterService)
	if s.peerService != nil {
		handoffv1.RegisterPeerServer(s.grpc, s.peerService)
	}
	return s, nil
}

func (s *Server) setupCluster(local *directory.Local) error {
	cc := s.config.Cluster
	s.transport = cluster.NewGRPCTransport(nil, cluster.GRPCOptions{
		Timeout:     cc.RequestTimeout,
		IdleTimeout: cc.ConnIdleTimeout,
		DialOptions: s.dialOpts,
		Logger:      s.log,
	})

	switch cc.Membership {
	case config.MembershipRaft:
		fsm := raftex.NewFSM()
		node, err := raftex.Start(raftex.Config{
			NodeID:    cc.NodeID,
			BindAddr:  cc.Raft.BindAddr,
			DataDir:   cc.Raft.DataDir,
			Bootstrap: cc.Raft.Bootstrap,
			InMemory:  s.raftInMemory,
			Logger:    s.log,
		}, fsm)
		if err != nil {
			return fmt.Errorf("raft start: %w", err)
		}
		s.raft = raftex.NewMembership(node, fsm, cc.AdvertiseAddr, s.transport, s.log)
		s.registry = s.raft
	default:
		mgr := cluster.NewManager(cluster.Config{
			NodeID:       cc.NodeID,
			Address:      cc.AdvertiseAddr,
			HeartbeatTTL: cc.HeartbeatTTL,
		})
		s.announcer = cluster.NewAnnouncer(mgr, s.transport, cc.Seeds, cc.HeartbeatInterval, s.log)
		s.registry = StaticRegistry{mgr}
	}
	s.transport.Bind(s.registry)

	dist := directory.NewDistributed(local, s.transport, directory.DistributedConfig{
		Logger:           s.log,
		BroadcastTimeout: cc.RequestTimeout,
		NoticeBuffer:     s.config.Directory.NoticeBuffer,
	})
	s.dir = dist
	s.peerService = NewPeerService(dist)
	return nil
}

// Directory returns the directory the server fronts.
func (s *Server) Directory() directory.Service { return s.dir }

// Members returns the current cluster view.
func (s *Server) Members() []cluster.Node { return s.registry.Members() }

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	address := s.config.Server.Address()
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info("starting handoff server", "address", lis.Addr().String(), "cluster", s.config.Cluster.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	bctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.startMembership(bctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.log.Error("grpc server error", "error", err)
		_ = s.Stop()
		return err
	}
	return s.Stop()
}

func (s *Server) startMembership(ctx context.Context) {
	switch {
	case s.announcer != nil:
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.announcer.Run(ctx)
		}()
	case s.raft != nil:
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.raft.Register(ctx, s.config.Cluster.Seeds, s.config.Cluster.Raft.JoinTimeout); err != nil {
				s.log.Error("cluster registration failed", "error", err)
				return
			}
			s.log.Info("registered with cluster", "node", s.config.Cluster.NodeID)
		}()
	}
}

// Reload applies the settings that can change while running: log level and
// cluster seeds.
func (s *Server) Reload(cfg *config.Config) {
	s.log.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	if s.announcer != nil {
		s.announcer.SetSeeds(cfg.Cluster.Seeds)
	}
	s.log.Info("configuration reloaded", "level", cfg.Logging.Level, "seeds", cfg.Cluster.Seeds)
}

// Stop stops the server gracefully
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() { err = s.stop() })
	return err
}

func (s *Server) stop() error {
	s.log.Info("stopping handoff server")
	s.cancel()
	s.bg.Wait()

	if s.announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Cluster.RequestTimeout)
		s.announcer.Leave(ctx, s.transport)
		cancel()
	}
	if s.raft != nil && s.raft.Self().Role != cluster.RoleLeader {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Cluster.RequestTimeout)
		if err := s.raft.Leave(ctx, s.config.Cluster.NodeID); err != nil {
			s.log.Warn("leave cluster", "error", err)
		}
		cancel()
	}

	s.handoffService.shutdown()
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Graceful stop with timeout
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("server stopped gracefully")
	case <-time.After(timeout):
		s.log.Warn("force stopping server")
		s.grpc.Stop()
	}

	err := s.dir.Close()
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.raft != nil {
		if rerr := s.raft.Shutdown(); rerr != nil {
			s.log.Warn("raft shutdown", "error", rerr)
		}
	}
	return err
}

func nodeID(cfg *config.Config) string {
	if cfg.Cluster.NodeID != "" {
		return cfg.Cluster.NodeID
	}
	return "local"
}
