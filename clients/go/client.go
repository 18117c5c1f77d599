package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"handoff/api/handoffv1"
	"handoff/pkg/directory"
	"handoff/pkg/record"
)

// Client is a typed SDK for the handoff services.
type Client struct {
	conn     *grpc.ClientConn
	Handoff  *handoffv1.HandoffClient
	Cluster  *handoffv1.ClusterClient
	identity string
	timeout  time.Duration
}

// Options control Client behavior.
type Options struct {
	// DialTimeout, when positive, makes New wait for the connection to be ready.
	DialTimeout time.Duration
	// Insecure skips TLS (default true for local dev).
	Insecure bool
	// Timeout applies to calls whose context has no deadline. Defaults to
	// 5000ms.
	Timeout time.Duration
	// Identity is the subscriber id this client acts as. A random one is
	// generated when empty.
	Identity    string
	DialOptions []grpc.DialOption
}

// New connects to the handoff server at address (host:port) and returns a Client.
func New(ctx context.Context, address string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{Insecure: true, DialTimeout: 5 * time.Second}
	}
	var dialOpts []grpc.DialOption
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout > 0 {
		if err := waitReady(ctx, conn, opts.DialTimeout); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connect %s: %w", address, err)
		}
	}

	identity := opts.Identity
	if identity == "" {
		identity = uuid.NewString()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = directory.DefaultTimeout
	}
	return &Client{
		conn:     conn,
		Handoff:  handoffv1.NewHandoffClient(conn),
		Cluster:  handoffv1.NewClusterClient(conn),
		identity: identity,
		timeout:  timeout,
	}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn.Connect()
	for {
		s := conn.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}

// Identity returns the subscriber id this client uses.
func (c *Client) Identity() string { return c.identity }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Initiate deposits rec. The server drops this client's subscription to
// rec's label unless it is configured to keep subscribers on put.
func (c *Client) Initiate(ctx context.Context, rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	_, err := c.Handoff.Initiate(ctx, handoffv1.EncodeRecord(rec, c.identity))
	return fromStatus(err)
}

// Complete claims every pending record for label.
func (c *Client) Complete(ctx context.Context, label record.Label) ([]record.Record, error) {
	if label == "" {
		return nil, &record.ValidationError{Field: "label", Reason: "is empty"}
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	list, err := c.Handoff.Complete(ctx, handoffv1.Label(label))
	if err != nil {
		return nil, fromStatus(err)
	}
	return handoffv1.DecodeRecords(list)
}

// Subscribe registers for availability notifications on label. It returns
// once the server has the registration in place; the subscription outlives
// ctx and ends with Close.
func (c *Client) Subscribe(ctx context.Context, label record.Label) (*Subscription, error) {
	if label == "" {
		return nil, &record.ValidationError{Field: "label", Reason: "is empty"}
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.Handoff.Subscribe(sctx, handoffv1.EncodeSubscription(label, c.identity))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	cctx, ccancel := c.callContext(ctx)
	defer ccancel()
	ready := make(chan error, 1)
	go func() {
		_, err := stream.Header()
		ready <- err
	}()
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, fromStatus(err)
		}
	case <-cctx.Done():
		cancel()
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("subscribe %s: %w", label, directory.ErrTimeout)
		}
		return nil, cctx.Err()
	}

	sub := &Subscription{
		label:  label,
		ch:     make(chan record.Label, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.recv(stream)
	return sub, nil
}

// Unsubscribe removes this client's registration for label.
func (c *Client) Unsubscribe(ctx context.Context, label record.Label) error {
	if label == "" {
		return &record.ValidationError{Field: "label", Reason: "is empty"}
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	_, err := c.Handoff.Unsubscribe(ctx, handoffv1.EncodeSubscription(label, c.identity))
	return fromStatus(err)
}

// Stats returns the server's directory counters.
func (c *Client) Stats(ctx context.Context) (directory.Stats, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	out, err := c.Handoff.Stats(ctx, &emptypb.Empty{})
	if err != nil {
		return directory.Stats{}, fromStatus(err)
	}
	var st directory.Stats
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

// Members returns the server's cluster view.
func (c *Client) Members(ctx context.Context) ([]handoffv1.Member, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	list, err := c.Cluster.Members(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fromStatus(err)
	}
	return handoffv1.DecodeMembers(list), nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Subscription delivers availability notifications for one label.
type Subscription struct {
	label  record.Label
	ch     chan record.Label
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// C receives the label each time records become available. It is closed
// when the subscription ends.
func (s *Subscription) C() <-chan record.Label { return s.ch }

// Label returns the subscribed label.
func (s *Subscription) Label() record.Label { return s.label }

// Err reports why the subscription ended, or nil while it is running or
// after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream. The server then drops the registration.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription) recv(stream grpc.ServerStreamingClient[wrapperspb.StringValue]) {
	defer close(s.done)
	defer close(s.ch)
	for {
		msg, err := stream.Recv()
		if err != nil {
			if status.Code(err) != codes.Canceled {
				s.mu.Lock()
				s.err = fromStatus(err)
				s.mu.Unlock()
			}
			return
		}
		// A reader that falls behind only misses repeats of the same signal.
		select {
		case s.ch <- record.Label(msg.GetValue()):
		default:
		}
	}
}

// fromStatus maps gRPC status codes back onto directory errors.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &record.ValidationError{Field: "request", Reason: st.Message()}
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), directory.ErrTimeout)
	case codes.Unavailable:
		if strings.HasSuffix(st.Message(), directory.ErrClosed.Error()) {
			return fmt.Errorf("%s: %w", st.Message(), directory.ErrClosed)
		}
	}
	return err
}
