// Package statestore implements connstate.StateRepository against a JSON
// file tree and against SQLite.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anodyne74/diagcore/connstate"
)

// JSONStore persists connection state as one file per connection plus a
// global-state file, per spec §6's persisted-state layout:
//
//	<state_dir>/connections/<id>.json
//	<state_dir>/global_state.json
type JSONStore struct {
	mu      sync.Mutex
	dir     string
	connDir string
}

// NewJSONStore creates (if needed) dir and dir/connections.
func NewJSONStore(dir string) (*JSONStore, error) {
	connDir := filepath.Join(dir, "connections")
	if err := os.MkdirAll(connDir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: creating %s: %w", connDir, err)
	}
	return &JSONStore{dir: dir, connDir: connDir}, nil
}

func (s *JSONStore) globalPath() string {
	return filepath.Join(s.dir, "global_state.json")
}

func (s *JSONStore) connPath(id string) string {
	return filepath.Join(s.connDir, id+".json")
}

func (s *JSONStore) SaveGlobal(g connstate.GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.globalPath(), g)
}

func (s *JSONStore) SaveConnection(info connstate.ConnectionStateInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.connPath(info.ConnectionID), info)
}

func (s *JSONStore) LoadGlobal() (connstate.GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var g connstate.GlobalState
	if err := readJSON(s.globalPath(), &g); err != nil {
		if os.IsNotExist(err) {
			return connstate.GlobalState{}, nil
		}
		return connstate.GlobalState{}, err
	}
	return g, nil
}

func (s *JSONStore) LoadAllConnections() ([]connstate.ConnectionStateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.connDir)
	if err != nil {
		return nil, fmt.Errorf("statestore: listing %s: %w", s.connDir, err)
	}

	out := make([]connstate.ConnectionStateInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var info connstate.ConnectionStateInfo
		if err := readJSON(filepath.Join(s.connDir, e.Name()), &info); err != nil {
			return nil, fmt.Errorf("statestore: reading %s: %w", e.Name(), err)
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *JSONStore) RemoveConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.connPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: removing %s: %w", id, err)
	}
	return nil
}

func (s *JSONStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.connDir)
	if err != nil {
		return fmt.Errorf("statestore: listing %s: %w", s.connDir, err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.connDir, e.Name())); err != nil {
			return fmt.Errorf("statestore: removing %s: %w", e.Name(), err)
		}
	}
	if err := os.Remove(s.globalPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: removing global state: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("statestore: writing %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("statestore: unmarshaling %s: %w", path, err)
	}
	return nil
}
