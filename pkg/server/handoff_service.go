package server

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"handoff/api/handoffv1"
	"handoff/pkg/directory"
	"handoff/pkg/record"
)

// HandoffService implements the handoff.v1.Handoff gRPC service
type HandoffService struct {
	dir          directory.Service
	timeout      time.Duration
	notifyBuffer int
	log          hclog.Logger

	quit     chan struct{}
	quitOnce sync.Once

	mu      sync.Mutex
	streams map[streamKey]struct{}
}

type streamKey struct {
	label record.Label
	id    string
}

var _ handoffv1.HandoffServer = (*HandoffService)(nil)

// NewHandoffService creates a new Handoff service. timeout applies to calls
// that arrive without a deadline.
func NewHandoffService(dir directory.Service, timeout time.Duration, notifyBuffer int, logger hclog.Logger) *HandoffService {
	if timeout <= 0 {
		timeout = directory.DefaultTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HandoffService{
		dir:          dir,
		timeout:      timeout,
		notifyBuffer: notifyBuffer,
		log:          logger.Named("handoff"),
		quit:         make(chan struct{}),
		streams:      make(map[streamKey]struct{}),
	}
}

// claim reserves the stream slot for one subscriber on one label.
func (s *HandoffService) claim(key streamKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[key]; ok {
		return false
	}
	s.streams[key] = struct{}{}
	return true
}

func (s *HandoffService) release(key streamKey) {
	s.mu.Lock()
	delete(s.streams, key)
	s.mu.Unlock()
}

// shutdown ends every open Subscribe stream.
func (s *HandoffService) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Initiate deposits a record
func (s *HandoffService) Initiate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rec, caller, err := handoffv1.DecodeRecord(req)
	if err != nil {
		return nil, toStatus(err)
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.dir.Put(ctx, caller, rec); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Complete claims every pending record for a label
func (s *HandoffService) Complete(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	label := record.Label(req.GetValue())
	if label == "" {
		return nil, invalidLabel()
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	recs, err := s.dir.Drain(ctx, label)
	if err != nil {
		return nil, toStatus(err)
	}
	return handoffv1.EncodeRecords(recs), nil
}

// Subscribe registers the stream as a subscriber and forwards notifications
// until the client goes away. Response headers are sent once the
// registration is in place. A second open stream for the same subscriber and
// label is refused with AlreadyExists.
func (s *HandoffService) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[wrapperspb.StringValue]) error {
	label, id := handoffv1.DecodeSubscription(req)
	if label == "" {
		return invalidLabel()
	}
	if id != "" {
		key := streamKey{label: label, id: id}
		if !s.claim(key) {
			return status.Errorf(codes.AlreadyExists, "subscriber %s already has a stream for %s", id, label)
		}
		defer s.release(key)
	}
	inbox := directory.NewInbox(id, s.notifyBuffer)
	defer inbox.Close()

	ctx := stream.Context()
	rctx, cancel := s.callContext(ctx)
	err := s.dir.Subscribe(rctx, label, inbox)
	cancel()
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendHeader(metadata.Pairs("subscriber", inbox.ID())); err != nil {
		return err
	}
	s.log.Debug("subscriber attached", "label", label, "subscriber", inbox.ID())

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("subscriber detached", "label", label, "subscriber", inbox.ID())
			return nil
		case <-s.quit:
			return status.Error(codes.Unavailable, "server shutting down")
		case l := <-inbox.C():
			if err := stream.Send(handoffv1.Label(l)); err != nil {
				return err
			}
		}
	}
}

// Unsubscribe removes a subscriber registration
func (s *HandoffService) Unsubscribe(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	label, id := handoffv1.DecodeSubscription(req)
	if label == "" {
		return nil, invalidLabel()
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.dir.Unsubscribe(ctx, label, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Stats reports directory counters
func (s *HandoffService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	st, err := s.dir.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"labels":            float64(st.Labels),
		"pending":           float64(st.Pending),
		"subscriptions":     float64(st.Subscriptions),
		"puts":              float64(st.Puts),
		"drains":            float64(st.Drains),
		"notified":          float64(st.Notified),
		"dropped":           float64(st.Dropped),
		"expired":           float64(st.Expired),
		"pulled":            float64(st.Pulled),
		"liveness_cleanups": float64(st.LivenessCleanups),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *HandoffService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
