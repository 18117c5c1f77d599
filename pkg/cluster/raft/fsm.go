package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	hraft "github.com/hashicorp/raft"
)

// CommandType describes the replicated operation type.
type CommandType string

const (
	CmdMemberJoin  CommandType = "MEMBER_JOIN"
	CmdMemberLeave CommandType = "MEMBER_LEAVE"
)

// Command is the envelope replicated via Raft.
type Command struct {
	Version int             `json:"v"`
	Type    CommandType     `json:"t"`
	Payload json.RawMessage `json:"p"`
}

// Member is one registry entry.
type Member struct {
	ID          string `json:"id"`
	Address     string `json:"addr"`
	RaftAddress string `json:"raft_addr,omitempty"`
}

// NewCommand builds a command envelope around payload.
func NewCommand(t CommandType, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Version: 1, Type: t, Payload: raw}, nil
}

// FSM applies replicated commands onto the member registry.
type FSM struct {
	mu      sync.RWMutex
	members map[string]Member
}

var _ hraft.FSM = (*FSM)(nil)

// NewFSM constructs an empty registry FSM.
func NewFSM() *FSM {
	return &FSM{members: make(map[string]Member)}
}

// Apply decodes and executes a replicated command.
func (f *FSM) Apply(log *hraft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("fsm decode: %w", err)
	}
	switch cmd.Type {
	case CmdMemberJoin:
		var m Member
		if err := json.Unmarshal(cmd.Payload, &m); err != nil {
			return err
		}
		if m.ID == "" {
			return fmt.Errorf("member join: empty id")
		}
		f.mu.Lock()
		f.members[m.ID] = m
		f.mu.Unlock()
		return nil
	case CmdMemberLeave:
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		f.mu.Lock()
		delete(f.members, req.ID)
		f.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// Members returns the registry sorted by ID.
func (f *FSM) Members() []Member {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the registry entry for id.
func (f *FSM) Lookup(id string) (Member, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.members[id]
	return m, ok
}

// Snapshot implements hraft.FSM.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	return &registrySnapshot{members: f.Members()}, nil
}

// Restore implements hraft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var members []Member
	if err := json.NewDecoder(rc).Decode(&members); err != nil {
		return fmt.Errorf("fsm restore: %w", err)
	}
	restored := make(map[string]Member, len(members))
	for _, m := range members {
		restored[m.ID] = m
	}
	f.mu.Lock()
	f.members = restored
	f.mu.Unlock()
	return nil
}

type registrySnapshot struct {
	members []Member
}

func (s *registrySnapshot) Persist(sink hraft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.members); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *registrySnapshot) Release() {}
