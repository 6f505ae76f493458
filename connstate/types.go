// Package connstate holds the authoritative view of all registered
// transport connections: health, conflicts, and persisted state.
package connstate

import "time"

// ScannerType ranks connection priority when two connections target the
// same scanner. Lower numeric value wins (spec §4.5).
type ScannerType int

const (
	ScannerJ2534 ScannerType = iota
	ScannerUSB
	ScannerWiFi
	ScannerBluetoothClassic
	ScannerBluetoothLE
)

func (s ScannerType) String() string {
	switch s {
	case ScannerJ2534:
		return "j2534"
	case ScannerUSB:
		return "usb"
	case ScannerWiFi:
		return "wifi"
	case ScannerBluetoothClassic:
		return "bt_classic"
	case ScannerBluetoothLE:
		return "bt_le"
	default:
		return "unknown"
	}
}

// priority returns the ranking used for conflict resolution; lower wins.
func (s ScannerType) priority() int { return int(s) }

// TransportState mirrors j2534.ConnState so this package has no import
// dependency on the j2534 driver layer.
type TransportState int

const (
	StateDisconnected TransportState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s TransportState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateTransition is one recorded change of a connection's transport state.
type StateTransition struct {
	From TransportState
	To   TransportState
	At   time.Time
}

// Quality is the derived health view over a connection's live metrics
// (spec §4.5).
type Quality struct {
	Score       int
	Health      string // "excellent", "good", "fair", "poor"
	RSSI        int
	ResponseMs  int
	ErrorRatePc float64
}

func computeQuality(rssi, responseMs int, errorRatePc float64) Quality {
	score := 100

	switch {
	case rssi < -90:
		score -= 30
	case rssi < -80:
		score -= 20
	case rssi < -70:
		score -= 10
	}

	switch {
	case responseMs > 5000:
		score -= 30
	case responseMs > 2000:
		score -= 20
	case responseMs > 1000:
		score -= 10
	}

	switch {
	case errorRatePc > 20:
		score -= 40
	case errorRatePc > 10:
		score -= 25
	case errorRatePc > 5:
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Quality{Score: score, Health: healthForScore(score), RSSI: rssi, ResponseMs: responseMs, ErrorRatePc: errorRatePc}
}

// healthForScore maps a 0..100 quality score onto the §4.5 health bands.
func healthForScore(score int) string {
	switch {
	case score >= 80:
		return "excellent"
	case score >= 60:
		return "good"
	case score >= 40:
		return "fair"
	default:
		return "poor"
	}
}

// ConnectionStateInfo is the authoritative record held per registered
// connection (spec §4.5).
type ConnectionStateInfo struct {
	ConnectionID string
	ScannerID    string
	ScannerType  ScannerType

	State         TransportState
	History       []StateTransition
	LastChangeAt  time.Time
	Quality       Quality
	SuppressedNew bool

	registeredAt time.Time
	errorTimes   []time.Time
}
