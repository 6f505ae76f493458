// Package j2534 provides the device/channel resource manager that
// multiplexes logical communication channels over a single physical
// pass-through device, plus the Transport contract those channels consume.
package j2534

import (
	"context"
	"time"
)

// ConnState is the value carried by a Transport's state-change signal (spec §4.1).
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// StateEvent is one observed Transport state transition.
type StateEvent struct {
	State       ConnState
	Info        string
	Attempt     int
	Cause       string
	Recoverable bool
	At          time.Time
}

// Transport is the byte-oriented duplex pipe the core consumes (spec §4.1).
// The core treats it as reliable in-order while Connected and never assumes
// message boundaries: framing is the ISO-TP engine's job.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, timeout time.Duration) ([]byte, error)
	Observe() <-chan StateEvent
}

// RawWriter is an optional capability a Transport may implement: a raw-socket
// send path with steadier inter-frame timing than Write, used by the
// periodic-message pump (spec §4.3) when the underlying driver offers one.
type RawWriter interface {
	RawWrite(id uint32, data []byte) error
}
