package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Announcer keeps a Manager's view current by periodically joining every seed
// and known member. Nodes that answer are refreshed; nodes they report are
// added. Nodes that stop answering age out through the manager's TTL sweep.
type Announcer struct {
	mgr      *Manager
	joiner   Joiner
	interval time.Duration
	log      hclog.Logger

	mu    sync.Mutex
	seeds []string
}

// NewAnnouncer creates an announcer; Run starts it.
func NewAnnouncer(mgr *Manager, joiner Joiner, seeds []string, interval time.Duration, logger hclog.Logger) *Announcer {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	a := &Announcer{mgr: mgr, joiner: joiner, interval: interval, log: logger.Named("announcer")}
	a.SetSeeds(seeds)
	return a
}

// SetSeeds replaces the seed address list.
func (a *Announcer) SetSeeds(seeds []string) {
	cp := append([]string(nil), seeds...)
	a.mu.Lock()
	a.seeds = cp
	a.mu.Unlock()
}

// Run announces immediately and then every interval until ctx ends.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		a.Announce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Announce performs one round.
func (a *Announcer) Announce(ctx context.Context) {
	self := a.mgr.Self()
	req := JoinRequest{ID: self.ID, Address: self.Address}
	for _, addr := range a.targets(self) {
		nodes, err := a.joiner.Join(ctx, addr, req)
		if err != nil {
			a.log.Debug("announce failed", "addr", addr, "error", err)
			continue
		}
		// The responder lists itself first.
		for i, n := range nodes {
			if n.ID == self.ID {
				continue
			}
			if i == 0 {
				a.mgr.Join(n.ID, n.Address)
			} else if a.mgr.Observe(n.ID, n.Address) {
				a.log.Info("discovered node", "id", n.ID, "addr", n.Address)
			}
		}
	}
}

// targets returns seeds plus known member addresses, deduplicated, excluding self.
func (a *Announcer) targets(self Node) []string {
	a.mu.Lock()
	seeds := append([]string(nil), a.seeds...)
	a.mu.Unlock()

	seen := map[string]bool{self.Address: true}
	var out []string
	add := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	for _, s := range seeds {
		add(s)
	}
	for _, n := range a.mgr.Members() {
		add(n.Address)
	}
	return out
}

// Leave tells every known member this node is going away.
func (a *Announcer) Leave(ctx context.Context, leaver interface {
	Leave(ctx context.Context, addr, id string) error
}) {
	self := a.mgr.Self()
	for _, n := range PeersOf(a.mgr) {
		if err := leaver.Leave(ctx, n.Address, self.ID); err != nil {
			a.log.Debug("leave notice failed", "peer", n.ID, "error", err)
		}
	}
}
