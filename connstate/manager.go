package connstate

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultHistoryCap        = 100
	defaultMaxConcurrentConn = 5
	errorWindow              = 60 * time.Second
	maxErrorsInWindow        = 3
)

// Manager holds the authoritative view of all registered connections,
// computes global health, detects conflicts, and emits state events
// (spec §4.5).
type Manager struct {
	mu sync.Mutex

	conns      map[string]*ConnectionStateInfo
	historyCap int
	maxConns   int

	repo   StateRepository
	events chan Event
}

// NewManager builds a Manager. repo may be nil, in which case persistence
// is skipped entirely (no PersistenceError events are emitted in that case).
func NewManager(repo StateRepository) *Manager {
	return &Manager{
		conns:      make(map[string]*ConnectionStateInfo),
		historyCap: defaultHistoryCap,
		maxConns:   defaultMaxConcurrentConn,
		repo:       repo,
		events:     make(chan Event, 128),
	}
}

// Events returns the manager's event stream.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *Manager) persistErr(err error) {
	if err == nil {
		return
	}
	m.emit(newEvent(EventPersistenceError, "", map[string]any{"error": err.Error()}))
}

// Register records a new connection and subscribes it to state tracking
// (spec §4.5).
func (m *Manager) Register(connectionID, scannerID string, scannerType ScannerType) *ConnectionStateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &ConnectionStateInfo{
		ConnectionID: connectionID,
		ScannerID:    scannerID,
		ScannerType:  scannerType,
		State:        StateDisconnected,
		LastChangeAt: time.Now(),
		Quality:      Quality{Score: 100, Health: "excellent"},
		registeredAt: time.Now(),
	}
	m.conns[connectionID] = info
	m.emit(newEvent(EventConnectionRegistered, connectionID, nil))

	if m.repo != nil {
		m.persistErr(m.repo.SaveConnection(*info))
	}
	m.enforceResourcePolicyLocked()
	return info
}

// Transition records an observed transport state change for connectionID
// (spec §4.5). recoverable carries the transport's own assessment of a
// StateError transition (j2534.StateEvent.Recoverable); it is ignored for
// every other target state.
func (m *Manager) Transition(connectionID string, to TransportState, recoverable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.conns[connectionID]
	if !ok {
		return fmt.Errorf("connstate: unknown connection %s", connectionID)
	}

	from := info.State
	info.History = append(info.History, StateTransition{From: from, To: to, At: time.Now()})
	if len(info.History) > m.historyCap {
		info.History = info.History[len(info.History)-m.historyCap:]
	}
	info.State = to
	info.LastChangeAt = time.Now()

	m.emit(newEvent(EventStateChanged, connectionID, map[string]any{"from": from.String(), "to": to.String()}))

	switch to {
	case StateConnected:
		m.emit(newEvent(EventConnectionEstablished, connectionID, nil))
		m.resolveConflictsLocked(info)
	case StateError:
		info.errorTimes = append(info.errorTimes, time.Now())
		m.emit(newEvent(EventConnectionError, connectionID, nil))
		if recoverable && m.recentErrorCountLocked(info) < maxErrorsInWindow {
			m.emit(newEvent("RecoveryScheduled", connectionID, nil))
		}
	case StateDisconnected:
		m.emit(newEvent(EventConnectionLost, connectionID, nil))
	case StateReconnecting:
		m.emit(newEvent(EventReconnectionAttempt, connectionID, map[string]any{"attempt": len(info.History)}))
	}

	if m.repo != nil {
		m.persistErr(m.repo.SaveConnection(*info))
	}
	m.enforceResourcePolicyLocked()
	return nil
}

func (m *Manager) recentErrorCountLocked(info *ConnectionStateInfo) int {
	cutoff := time.Now().Add(-errorWindow)
	n := 0
	kept := info.errorTimes[:0]
	for _, t := range info.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
			n++
		}
	}
	info.errorTimes = kept
	return n
}

// resolveConflictsLocked implements spec §4.5's conflict resolution: when
// two Connected connections share a scanner id, the highest-priority
// (lowest ScannerType value) wins; the rest are marked for graceful
// disconnection and flagged SuppressedNew. The flag is informational only:
// Register and Transition do not refuse new connections to that scanner.
func (m *Manager) resolveConflictsLocked(newlyConnected *ConnectionStateInfo) {
	var siblings []*ConnectionStateInfo
	for _, c := range m.conns {
		if c.ScannerID == newlyConnected.ScannerID && c.State == StateConnected {
			siblings = append(siblings, c)
		}
	}
	if len(siblings) < 2 {
		return
	}

	winner := siblings[0]
	for _, c := range siblings[1:] {
		if c.ScannerType.priority() < winner.ScannerType.priority() {
			winner = c
		}
	}

	for _, c := range siblings {
		if c == winner {
			continue
		}
		c.SuppressedNew = true
		m.emit(newEvent(EventConflictResolution, c.ConnectionID, map[string]any{
			"scanner_id": c.ScannerID,
			"winner":     winner.ConnectionID,
			"action":     "graceful_disconnect",
		}))
	}
	winner.SuppressedNew = false
}

// enforceResourcePolicyLocked marks lowest-priority connections beyond
// MAX_CONCURRENT_CONNECTIONS for disconnection (spec §4.5).
func (m *Manager) enforceResourcePolicyLocked() {
	var active []*ConnectionStateInfo
	for _, c := range m.conns {
		if c.State == StateConnected {
			active = append(active, c)
		}
	}
	if len(active) <= m.maxConns {
		return
	}

	// Bubble-sort by priority ascending (best first); connection counts
	// are small enough that clarity wins over an import for this.
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			if active[j].ScannerType.priority() < active[i].ScannerType.priority() {
				active[i], active[j] = active[j], active[i]
			}
		}
	}

	excess := active[m.maxConns:]
	if len(excess) == 0 {
		return
	}
	m.emit(newEvent(EventResourceConstraint, "", map[string]any{"excess": len(excess)}))
	for _, c := range excess {
		m.emit(newEvent(EventConflictResolution, c.ConnectionID, map[string]any{"action": "resource_disconnect"}))
	}
}

// UpdateQuality recomputes a connection's quality score from live metrics
// and emits degradation/switching events per spec §4.5.
func (m *Manager) UpdateQuality(connectionID string, rssi, responseMs int, errorRatePc float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.conns[connectionID]
	if !ok {
		return fmt.Errorf("connstate: unknown connection %s", connectionID)
	}
	info.Quality = computeQuality(rssi, responseMs, errorRatePc)

	if info.Quality.Score < 40 {
		m.emit(newEvent(EventQualityDegraded, connectionID, map[string]any{"score": info.Quality.Score}))
	}

	for _, sibling := range m.conns {
		if sibling == info || sibling.ScannerID != info.ScannerID || sibling.State != StateConnected {
			continue
		}
		if sibling.Quality.Score >= info.Quality.Score+20 {
			m.emit(newEvent(EventQualityBasedSwitching, connectionID, map[string]any{
				"from": connectionID,
				"to":   sibling.ConnectionID,
			}))
		}
	}

	if m.repo != nil {
		m.persistErr(m.repo.SaveConnection(*info))
	}
	return nil
}

// Get returns a snapshot of a connection's state, or false if unknown.
func (m *Manager) Get(connectionID string) (ConnectionStateInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.conns[connectionID]
	if !ok {
		return ConnectionStateInfo{}, false
	}
	return *info, true
}

// Remove drops a connection's tracked state.
func (m *Manager) Remove(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connectionID)
	if m.repo != nil {
		m.persistErr(m.repo.RemoveConnection(connectionID))
	}
}

// GlobalState returns the manager's current aggregate view. OverallHealth is
// the worst health band among active connections (spec §4.5 scenario S5),
// and reports "excellent" when there are none to degrade it.
func (m *Manager) GlobalState() GlobalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := GlobalState{LastUpdated: time.Now().Unix()}
	worstScore := 100
	for _, c := range m.conns {
		if c.State == StateConnected {
			g.ActiveConnections++
			if c.Quality.Score < 40 {
				g.Degraded++
			}
			if c.Quality.Score < worstScore {
				worstScore = c.Quality.Score
			}
		}
	}
	g.OverallHealth = healthForScore(worstScore)
	return g
}
