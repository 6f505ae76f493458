package connstate

// StateRepository is the persistence contract injected into Manager
// (spec §4.5). Implementations are opaque: JSON file, SQLite, a KV store.
// Persistence errors never propagate to API callers; Manager emits
// PersistenceError instead.
type StateRepository interface {
	SaveGlobal(g GlobalState) error
	SaveConnection(info ConnectionStateInfo) error
	LoadGlobal() (GlobalState, error)
	LoadAllConnections() ([]ConnectionStateInfo, error)
	RemoveConnection(id string) error
	ClearAll() error
}

// GlobalState is the manager's aggregate view, persisted alongside
// per-connection records.
type GlobalState struct {
	ActiveConnections int
	Degraded          int
	OverallHealth     string // worst health band among active connections; "excellent" when none are active
	LastUpdated       int64
}
