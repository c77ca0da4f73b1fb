package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is what the executor persists per node between runs: enough identity
// to recognize already-satisfied work and to tear down partially created
// stacks without re-deriving anything from scratch.
type State struct {
	Outputs   Outputs   `json:"outputs,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Store is a file-backed arena of node results keyed by node ID. Writes go
// through a temp file and rename so a crash never leaves a torn state file.
type Store struct {
	path string

	mu     sync.Mutex
	states map[NodeID]State
}

// OpenStore loads the state file at path, or starts empty if none exists.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, states: map[NodeID]State{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.states); err != nil {
		return nil, fmt.Errorf("decoding state file %s: %w", path, err)
	}
	return s, nil
}

// Get returns the persisted state of a node, if any.
func (s *Store) Get(id NodeID) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// Put records a node result and flushes the file.
func (s *Store) Put(id NodeID, out Outputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = State{Outputs: out, AppliedAt: time.Now().UTC()}
	return s.flushLocked()
}

// Delete removes a node result and flushes the file.
func (s *Store) Delete(id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	raw, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing state file %s: %w", s.path, err)
	}
	return nil
}
