package directory

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"handoff/pkg/cluster"
	"handoff/pkg/record"
)

const tracerName = "handoff/directory"

// DistributedConfig configures a Distributed directory.
type DistributedConfig struct {
	Logger hclog.Logger
	// BroadcastTimeout bounds the notify fan-out after a put and each
	// notify-triggered pull. Defaults to 5s.
	BroadcastTimeout time.Duration
	// NoticeBuffer is how many peer notifications may wait for the worker.
	// Further ones are dropped. Defaults to 256.
	NoticeBuffer int
	// Tracer defaults to the global provider's "handoff/directory" tracer.
	Tracer trace.Tracer
}

// Distributed keeps a Local directory in step with its peers. Records stay on
// the node that received them until some node pulls them with a drain.
type Distributed struct {
	local     *Local
	transport cluster.Transport
	cfg       DistributedConfig
	log       hclog.Logger
	tracer    trace.Tracer

	notices chan record.Label
	quit    chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var (
	_ Service             = (*Distributed)(nil)
	_ cluster.PeerHandler = (*Distributed)(nil)
)

// NewDistributed wraps local and starts the notification worker. The
// returned directory owns local.
func NewDistributed(local *Local, transport cluster.Transport, cfg DistributedConfig) *Distributed {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 5 * time.Second
	}
	if cfg.NoticeBuffer <= 0 {
		cfg.NoticeBuffer = 256
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	d := &Distributed{
		local:     local,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.Named("distributed"),
		tracer:    cfg.Tracer,
		notices:   make(chan record.Label, cfg.NoticeBuffer),
		quit:      make(chan struct{}),
	}
	local.setPutHook(d.announce)
	d.wg.Add(1)
	go d.work()
	return d
}

// Put deposits locally. Peers are told once the record is in the local
// queue, which may happen after a timed out Put has returned.
func (d *Distributed) Put(ctx context.Context, caller string, rec record.Record) error {
	ctx, span := d.tracer.Start(ctx, "directory.put", trace.WithAttributes(labelAttr(rec.Label())))
	defer span.End()

	if err := d.local.Put(ctx, caller, rec); err != nil {
		fail(span, err)
		return err
	}
	return nil
}

// announce tells every peer label has records here. It runs on the local
// loop, so the fan-out happens in the background.
func (d *Distributed) announce(label record.Label) {
	d.spawn(func() {
		ctx, span := d.tracer.Start(context.Background(), "directory.broadcast", trace.WithAttributes(labelAttr(label)))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, d.cfg.BroadcastTimeout)
		defer cancel()
		peers := d.transport.Peers()
		span.SetAttributes(attribute.Int("handoff.peers", len(peers)))
		if len(peers) == 0 {
			return
		}
		d.transport.Broadcast(ctx, peers, label)
	})
}

// Subscribe pulls label from every peer, merges the records ahead of the local
// queue and registers sub, in that order.
func (d *Distributed) Subscribe(ctx context.Context, label record.Label, sub Subscriber) error {
	ctx, span := d.tracer.Start(ctx, "directory.subscribe", trace.WithAttributes(labelAttr(label)))
	defer span.End()

	remote := d.pull(ctx, label)
	if err := d.local.subscribeMerged(ctx, label, remote, sub); err != nil {
		fail(span, err)
		return err
	}
	return nil
}

func (d *Distributed) Drain(ctx context.Context, label record.Label) ([]record.Record, error) {
	return d.local.Drain(ctx, label)
}

func (d *Distributed) Unsubscribe(ctx context.Context, label record.Label, id string) error {
	return d.local.Unsubscribe(ctx, label, id)
}

func (d *Distributed) Stats(ctx context.Context) (Stats, error) {
	return d.local.Stats(ctx)
}

// HandleDrain answers a peer's pull with the whole local queue.
func (d *Distributed) HandleDrain(ctx context.Context, label record.Label) ([]record.Record, error) {
	return d.local.Drain(ctx, label)
}

// HandleNotify queues a peer's availability hint for the worker.
func (d *Distributed) HandleNotify(_ context.Context, label record.Label) {
	select {
	case <-d.quit:
		return
	default:
	}
	select {
	case d.notices <- label:
	default:
		d.log.Warn("notice queue full, dropping peer notification", "label", label)
	}
}

func (d *Distributed) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case label := <-d.notices:
			d.refresh(label)
		}
	}
}

// refresh re-pulls label from peers and notifies local subscribers. Labels
// nobody here subscribes to are left on whichever node holds them.
func (d *Distributed) refresh(label record.Label) {
	ctx, span := d.tracer.Start(context.Background(), "directory.notify", trace.WithAttributes(labelAttr(label)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BroadcastTimeout)
	defer cancel()

	ok, err := d.local.hasSubscribers(ctx, label)
	if err != nil {
		fail(span, err)
		return
	}
	if !ok {
		span.SetAttributes(attribute.Bool("handoff.skipped", true))
		return
	}
	remote := d.pull(ctx, label)
	if err := d.local.mergeNotify(ctx, label, remote); err != nil {
		fail(span, err)
		d.log.Warn("notify merge failed", "label", label, "error", err)
	}
}

// pull drains label on every peer. Replies keep peer order and each peer's
// internal order; peers that do not answer contribute nothing.
func (d *Distributed) pull(ctx context.Context, label record.Label) []record.Record {
	ctx, span := d.tracer.Start(ctx, "directory.pull", trace.WithAttributes(labelAttr(label)))
	defer span.End()

	peers := d.transport.Peers()
	if len(peers) == 0 {
		return nil
	}
	replies := d.transport.Gather(ctx, peers, label)
	var out []record.Record
	for _, r := range replies {
		out = append(out, r.Records...)
	}
	span.SetAttributes(
		attribute.Int("handoff.peers", len(peers)),
		attribute.Int("handoff.replies", len(replies)),
		attribute.Int("handoff.records", len(out)),
	)
	if len(out) > 0 {
		d.log.Debug("pulled records", "label", label, "records", len(out), "replies", len(replies))
	}
	return out
}

// spawn runs fn in the background unless the directory is closing.
func (d *Distributed) spawn(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Close waits for background work, then closes the local directory.
func (d *Distributed) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.quit)
	d.wg.Wait()
	return d.local.Close()
}

func labelAttr(label record.Label) attribute.KeyValue {
	return attribute.String("handoff.label", string(label))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
