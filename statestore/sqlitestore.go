package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/anodyne74/diagcore/connstate"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements connstate.StateRepository using SQLite, grounded
// on the same marshal-to-JSON-column pattern as the rest of this package's
// persistence layer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed state store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statestore: opening database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id TEXT PRIMARY KEY,
			scanner_id TEXT NOT NULL,
			info JSON NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS global_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state JSON NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("statestore: creating table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveGlobal(g connstate.GlobalState) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("statestore: marshaling global state: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO global_state (id, state) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state`, data)
	if err != nil {
		return fmt.Errorf("statestore: saving global state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveConnection(info connstate.ConnectionStateInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("statestore: marshaling connection %s: %w", info.ConnectionID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO connections (connection_id, scanner_id, info) VALUES (?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET scanner_id = excluded.scanner_id, info = excluded.info`,
		info.ConnectionID, info.ScannerID, data)
	if err != nil {
		return fmt.Errorf("statestore: saving connection %s: %w", info.ConnectionID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadGlobal() (connstate.GlobalState, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT state FROM global_state WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return connstate.GlobalState{}, nil
	}
	if err != nil {
		return connstate.GlobalState{}, fmt.Errorf("statestore: loading global state: %w", err)
	}
	var g connstate.GlobalState
	if err := json.Unmarshal(data, &g); err != nil {
		return connstate.GlobalState{}, fmt.Errorf("statestore: unmarshaling global state: %w", err)
	}
	return g, nil
}

func (s *SQLiteStore) LoadAllConnections() ([]connstate.ConnectionStateInfo, error) {
	rows, err := s.db.Query(`SELECT info FROM connections`)
	if err != nil {
		return nil, fmt.Errorf("statestore: querying connections: %w", err)
	}
	defer rows.Close()

	var out []connstate.ConnectionStateInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("statestore: scanning connection row: %w", err)
		}
		var info connstate.ConnectionStateInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("statestore: unmarshaling connection: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RemoveConnection(id string) error {
	if _, err := s.db.Exec(`DELETE FROM connections WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("statestore: removing connection %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM connections`); err != nil {
		return fmt.Errorf("statestore: clearing connections: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM global_state`); err != nil {
		return fmt.Errorf("statestore: clearing global state: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("statestore: closing database: %w", err)
	}
	return nil
}
