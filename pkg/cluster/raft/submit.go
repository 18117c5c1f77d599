package raft

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotLeader is returned when a command is submitted on a follower.
var ErrNotLeader = errors.New("raft: not the leader")

// Submitter wraps a Raft node to submit replicated commands.
type Submitter struct {
	n *Node
	// default timeout for Apply
	DefaultTimeout time.Duration
}

func NewSubmitter(n *Node) *Submitter {
	return &Submitter{n: n, DefaultTimeout: 3 * time.Second}
}

// IsLeader reports whether the local node is leader.
func (s *Submitter) IsLeader() bool { return s != nil && s.n != nil && s.n.IsLeader() }

// LeaderID returns the current leader ID.
func (s *Submitter) LeaderID() string {
	if s == nil || s.n == nil {
		return ""
	}
	return s.n.LeaderID()
}

// Submit encodes and applies a Command via Raft and waits for the FSM result.
func (s *Submitter) Submit(ctx context.Context, cmd Command) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	timeout := s.DefaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	f := s.n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return err
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}
