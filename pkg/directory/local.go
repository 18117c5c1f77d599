package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"handoff/pkg/record"
	"handoff/storage"
)

// Config configures a Local directory.
type Config struct {
	// Store holds the queues. Defaults to a MemoryQueue. The directory owns
	// it and closes it on Close.
	Store  storage.Queue
	Logger hclog.Logger
	// KeepSubscriberOnPut stops Put from dropping the caller's own
	// registration for the label it deposits under.
	KeepSubscriberOnPut bool
	// RecordTTL expires records not claimed within this duration. Zero keeps
	// them until drained.
	RecordTTL time.Duration
	// SweepInterval is how often expired records are removed. Defaults to
	// RecordTTL/2, at least one second.
	SweepInterval time.Duration
	Now           func() time.Time
}

// Stats is a point-in-time view of a directory.
type Stats struct {
	Labels           int    `json:"labels" yaml:"labels"`
	Pending          int    `json:"pending" yaml:"pending"`
	Subscriptions    int    `json:"subscriptions" yaml:"subscriptions"`
	Puts             uint64 `json:"puts" yaml:"puts"`
	Drains           uint64 `json:"drains" yaml:"drains"`
	Notified         uint64 `json:"notified" yaml:"notified"`
	Dropped          uint64 `json:"dropped" yaml:"dropped"`
	Expired          uint64 `json:"expired" yaml:"expired"`
	Pulled           uint64 `json:"pulled" yaml:"pulled"`
	LivenessCleanups uint64 `json:"liveness_cleanups" yaml:"liveness_cleanups"`
}

type registration struct {
	sub   Subscriber
	token string
	stop  chan struct{}
}

// Local is a single-node directory. All state is owned by one goroutine that
// runs queued operations one at a time in arrival order.
type Local struct {
	store storage.Queue
	log   hclog.Logger
	cfg   Config

	reqs     chan func()
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
	monitors sync.WaitGroup
	closeErr error

	// Owned by the loop.
	regs  map[record.Label]map[string]*registration
	stats Stats
	onPut func(record.Label)
}

var _ Service = (*Local)(nil)

// NewLocal creates a directory and starts its loop.
func NewLocal(cfg Config) *Local {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryQueue()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RecordTTL > 0 && cfg.SweepInterval <= 0 {
		cfg.SweepInterval = max(cfg.RecordTTL/2, time.Second)
	}
	l := &Local{
		store: cfg.Store,
		log:   cfg.Logger.Named("directory"),
		cfg:   cfg,
		reqs:  make(chan func(), 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		regs:  make(map[record.Label]map[string]*registration),
	}
	go l.run()
	return l
}

func (l *Local) run() {
	defer close(l.done)

	var sweep <-chan time.Time
	if l.cfg.RecordTTL > 0 {
		t := time.NewTicker(l.cfg.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case fn := <-l.reqs:
			fn()
		case <-sweep:
			l.expire()
		case <-l.quit:
			for _, subs := range l.regs {
				for _, reg := range subs {
					close(reg.stop)
				}
			}
			l.regs = nil
			l.closeErr = l.store.Close()
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish or for ctx to end.
func (l *Local) do(ctx context.Context, op string, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		fn()
		close(finished)
	}
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return ctxErr(op, ctx.Err())
	case <-l.quit:
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return l.wait(ctx, op, finished)
}

// detached runs fn on the loop even if ctx ends first; only the wait is
// bounded by ctx. Used when fn carries data that must not be lost.
func (l *Local) detached(ctx context.Context, op string, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		fn()
		close(finished)
	}
	select {
	case l.reqs <- req:
	case <-l.quit:
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return l.wait(ctx, op, finished)
}

func (l *Local) wait(ctx context.Context, op string, finished <-chan struct{}) error {
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		select {
		case <-finished:
			return nil
		default:
		}
		return ctxErr(op, ctx.Err())
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
		}
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
}

// post queues fn without waiting. It reports false once the directory is closed.
func (l *Local) post(fn func()) bool {
	select {
	case l.reqs <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Put appends rec to its label's queue, drops caller's own registration for
// that label, and notifies the remaining subscribers.
func (l *Local) Put(ctx context.Context, caller string, rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var err error
	if doErr := l.do(ctx, "put", func() { err = l.put(caller, rec) }); doErr != nil {
		return doErr
	}
	return err
}

func (l *Local) put(caller string, rec record.Record) error {
	label := rec.Label()
	if err := l.store.Push(context.Background(), label, storage.Entry{Record: rec, DepositedAt: l.cfg.Now()}); err != nil {
		return fmt.Errorf("put %s: %w", label, err)
	}
	l.stats.Puts++
	if caller != "" && !l.cfg.KeepSubscriberOnPut {
		l.unregister(label, caller)
	}
	l.notifyAll(label)
	if l.onPut != nil {
		l.onPut(label)
	}
	return nil
}

// setPutHook installs fn to run on the loop after every committed put, even
// one whose caller stopped waiting. fn must not block.
func (l *Local) setPutHook(fn func(record.Label)) {
	_ = l.do(context.Background(), "hook", func() { l.onPut = fn })
}

// Drain removes and returns every pending record for label, oldest first.
func (l *Local) Drain(ctx context.Context, label record.Label) ([]record.Record, error) {
	var (
		out []record.Record
		err error
	)
	if doErr := l.do(ctx, "drain", func() { out, err = l.drain(label) }); doErr != nil {
		return nil, doErr
	}
	return out, err
}

func (l *Local) drain(label record.Label) ([]record.Record, error) {
	entries, err := l.store.Drain(context.Background(), label)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", label, err)
	}
	l.stats.Drains++
	return storage.Records(entries), nil
}

// Subscribe registers sub for label. Registering an already registered
// identity again does nothing.
func (l *Local) Subscribe(ctx context.Context, label record.Label, sub Subscriber) error {
	return l.do(ctx, "subscribe", func() { l.register(label, sub) })
}

// Unsubscribe removes id's registration for label, if any.
func (l *Local) Unsubscribe(ctx context.Context, label record.Label, id string) error {
	return l.do(ctx, "unsubscribe", func() { l.unregister(label, id) })
}

// Stats reports queue and subscription counters.
func (l *Local) Stats(ctx context.Context) (Stats, error) {
	var (
		st  Stats
		err error
	)
	if doErr := l.do(ctx, "stats", func() { st, err = l.snapshot() }); doErr != nil {
		return Stats{}, doErr
	}
	return st, err
}

func (l *Local) snapshot() (Stats, error) {
	st := l.stats
	labels, err := l.store.Labels(context.Background())
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.Labels = len(labels)
	for _, label := range labels {
		n, err := l.store.Len(context.Background(), label)
		if err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
		st.Pending += n
	}
	for _, subs := range l.regs {
		st.Subscriptions += len(subs)
	}
	return st, nil
}

// subscribeMerged places remote records ahead of the local queue and
// registers sub in one step. sub is told right away when records are pending.
func (l *Local) subscribeMerged(ctx context.Context, label record.Label, remote []record.Record, sub Subscriber) error {
	var err error
	doErr := l.detached(ctx, "subscribe", func() {
		if err = l.merge(label, remote); err != nil {
			return
		}
		added := l.register(label, sub)
		if !added && len(remote) == 0 {
			return
		}
		if n, lenErr := l.store.Len(context.Background(), label); lenErr == nil && n > 0 {
			l.notify(label, l.regs[label][sub.ID()])
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// mergeNotify places remote records ahead of the local queue and notifies
// every subscriber when the queue is non-empty.
func (l *Local) mergeNotify(ctx context.Context, label record.Label, remote []record.Record) error {
	var err error
	doErr := l.detached(ctx, "merge", func() {
		if err = l.merge(label, remote); err != nil {
			return
		}
		if n, lenErr := l.store.Len(context.Background(), label); lenErr == nil && n > 0 {
			l.notifyAll(label)
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (l *Local) merge(label record.Label, remote []record.Record) error {
	if len(remote) == 0 {
		return nil
	}
	if err := l.store.PushFront(context.Background(), label, storage.Entries(remote, l.cfg.Now())); err != nil {
		l.log.Error("merge failed, pulled records lost", "label", label, "records", len(remote), "error", err)
		return fmt.Errorf("merge %s: %w", label, err)
	}
	l.stats.Pulled += uint64(len(remote))
	return nil
}

// hasSubscribers reports whether label has at least one registration.
func (l *Local) hasSubscribers(ctx context.Context, label record.Label) (bool, error) {
	var ok bool
	err := l.do(ctx, "subscribers", func() { ok = len(l.regs[label]) > 0 })
	return ok, err
}

// register adds sub under label and starts its liveness monitor. It reports
// false when the identity was already registered by a live subscriber; a
// registration whose subscriber has terminated is replaced.
func (l *Local) register(label record.Label, sub Subscriber) bool {
	subs := l.regs[label]
	if subs == nil {
		subs = make(map[string]*registration)
		l.regs[label] = subs
	}
	if cur, ok := subs[sub.ID()]; ok {
		select {
		case <-cur.sub.Done():
			close(cur.stop)
			delete(subs, sub.ID())
			l.stats.LivenessCleanups++
		default:
			return false
		}
	}
	reg := &registration{sub: sub, token: uuid.NewString(), stop: make(chan struct{})}
	subs[sub.ID()] = reg
	l.monitors.Add(1)
	go l.monitor(label, reg)
	l.log.Debug("subscribed", "label", label, "subscriber", sub.ID())
	return true
}

func (l *Local) unregister(label record.Label, id string) {
	subs := l.regs[label]
	reg, ok := subs[id]
	if !ok {
		return
	}
	close(reg.stop)
	delete(subs, id)
	if len(subs) == 0 {
		delete(l.regs, label)
	}
	l.log.Debug("unsubscribed", "label", label, "subscriber", id)
}

// monitor waits for the subscriber to terminate and posts the removal of
// this registration. A token mismatch means the registration was replaced.
func (l *Local) monitor(label record.Label, reg *registration) {
	defer l.monitors.Done()
	select {
	case <-reg.sub.Done():
		id, token := reg.sub.ID(), reg.token
		l.post(func() {
			cur, ok := l.regs[label][id]
			if !ok || cur.token != token {
				return
			}
			l.unregister(label, id)
			l.stats.LivenessCleanups++
		})
	case <-reg.stop:
	case <-l.quit:
	}
}

func (l *Local) notifyAll(label record.Label) {
	for _, reg := range l.regs[label] {
		l.notify(label, reg)
	}
}

func (l *Local) notify(label record.Label, reg *registration) {
	if reg == nil {
		return
	}
	select {
	case <-reg.sub.Done():
		return
	default:
	}
	if reg.sub.Notify(label) {
		l.stats.Notified++
	} else {
		l.stats.Dropped++
	}
}

func (l *Local) expire() {
	cutoff := l.cfg.Now().Add(-l.cfg.RecordTTL)
	removed, err := l.store.Expire(context.Background(), cutoff)
	if err != nil {
		l.log.Error("expiry sweep failed", "error", err)
		return
	}
	for label, n := range removed {
		l.stats.Expired += uint64(n)
		l.log.Info("expired unclaimed records", "label", label, "records", n)
	}
}

// Close stops the loop, releases every registration and closes the store.
func (l *Local) Close() error {
	l.once.Do(func() { close(l.quit) })
	<-l.done
	l.monitors.Wait()
	return l.closeErr
}
