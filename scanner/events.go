package scanner

import "time"

// Event is one façade-level notification: a connection-state transition,
// conflict resolution, or quality change bubbled up from connstate.Manager
// (spec §6 API surface: Scanner::events).
type Event struct {
	Kind         string
	ConnectionID string
	At           time.Time
	Detail       map[string]any
}
