package connstate

import "time"

// Event is one state-manager notification (spec §4.5).
type Event struct {
	Kind         string
	ConnectionID string
	At           time.Time
	Detail       map[string]any
}

const (
	EventConnectionRegistered  = "ConnectionRegistered"
	EventStateChanged          = "StateChanged"
	EventConnectionEstablished = "ConnectionEstablished"
	EventConnectionError       = "ConnectionError"
	EventConnectionLost        = "ConnectionLost"
	EventReconnectionAttempt   = "ReconnectionAttempt"
	EventConflictResolution    = "ConflictResolution"
	EventResourceConstraint    = "ResourceConstraint"
	EventQualityDegraded       = "QualityDegraded"
	EventQualityBasedSwitching = "QualityBasedSwitching"
	EventPersistenceError      = "PersistenceError"
)

func newEvent(kind, connectionID string, detail map[string]any) Event {
	return Event{Kind: kind, ConnectionID: connectionID, At: time.Now(), Detail: detail}
}
