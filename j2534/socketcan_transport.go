package j2534

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brutella/can"
	"github.com/go-daq/canbus"
)

// socketCANFrameSink is the brutella/can frame handler. It is subscribed
// directly to the bus and buffers completed frames for Read.
type socketCANFrameSink struct {
	frames chan []byte
}

func (s *socketCANFrameSink) Handle(frame can.Frame) {
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data[:])
	select {
	case s.frames <- data:
	default:
	}
}

// SocketCANTransport is a concrete Transport binding CAN-bus traffic to the
// j2534 core, using brutella/can for frame I/O and go-daq/canbus as a
// raw-socket fallback for the periodic-message pump.
type SocketCANTransport struct {
	iface string

	mu      sync.Mutex
	bus     *can.Bus
	rawSock *canbus.Socket
	sink    *socketCANFrameSink
	state   ConnState
	events  chan StateEvent
}

// NewSocketCANTransport builds a transport bound to a SocketCAN interface
// name (e.g. "can0").
func NewSocketCANTransport(iface string) *SocketCANTransport {
	return &SocketCANTransport{
		iface:  iface,
		sink:   &socketCANFrameSink{frames: make(chan []byte, 256)},
		events: make(chan StateEvent, 16),
		state:  StateDisconnected,
	}
}

func (t *SocketCANTransport) emit(ev StateEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

// Connect opens the SocketCAN bus and subscribes the frame sink.
func (t *SocketCANTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.emit(StateEvent{State: StateConnecting, At: time.Now()})

	bus, err := can.NewBusForInterfaceWithName(t.iface)
	if err != nil {
		t.emit(StateEvent{State: StateError, Cause: err.Error(), Recoverable: true, At: time.Now()})
		return fmt.Errorf("socketcan: opening %s: %w", t.iface, err)
	}
	bus.Subscribe(t.sink)

	t.bus = bus
	t.state = StateConnected
	t.emit(StateEvent{State: StateConnected, Info: t.iface, At: time.Now()})
	return nil
}

// Disconnect tears down the bus.
func (t *SocketCANTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus != nil {
		_ = t.bus.Disconnect()
		t.bus = nil
	}
	if t.rawSock != nil {
		_ = t.rawSock.Close()
		t.rawSock = nil
	}
	t.state = StateDisconnected
	t.emit(StateEvent{State: StateDisconnected, At: time.Now()})
	return nil
}

// Write sends one CAN frame's worth of data (up to 8 bytes) on the default
// physical request arbitration ID; the ISO-TP layer above is responsible
// for PCI framing.
func (t *SocketCANTransport) Write(ctx context.Context, data []byte) error {
	return t.WriteID(ctx, 0x7E0, data)
}

// WriteID behaves like Write but targets an explicit CAN arbitration ID,
// as required by the ISO-TP layer's physical/functional addressing.
func (t *SocketCANTransport) WriteID(ctx context.Context, id uint32, data []byte) error {
	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus == nil {
		return fmt.Errorf("socketcan: not connected")
	}
	if len(data) > 8 {
		return fmt.Errorf("socketcan: frame payload exceeds 8 bytes")
	}
	var frame can.Frame
	frame.ID = id
	copy(frame.Data[:], data)
	return bus.Publish(frame)
}

// Read blocks for the next received frame, up to timeout.
func (t *SocketCANTransport) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case data := <-t.sink.frames:
		return data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("socketcan: read timeout after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Observe returns the transport's state-change stream.
func (t *SocketCANTransport) Observe() <-chan StateEvent { return t.events }

// RawWrite sends one frame through the go-daq/canbus raw-socket fallback
// path rather than the can.Bus publish queue, giving the periodic-message
// pump steadier inter-frame timing (spec §4.3). Satisfies RawWriter.
func (t *SocketCANTransport) RawWrite(id uint32, data []byte) error {
	return t.rawSend(id, data)
}

// rawSend lazily opens a raw go-daq/canbus socket bound to the interface
// and sends through it.
func (t *SocketCANTransport) rawSend(id uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rawSock == nil {
		sock, err := canbus.New()
		if err != nil {
			return fmt.Errorf("socketcan: opening raw socket: %w", err)
		}
		if err := sock.Bind(t.iface); err != nil {
			return fmt.Errorf("socketcan: binding raw socket to %s: %w", t.iface, err)
		}
		t.rawSock = sock
	}
	_, err := t.rawSock.Send(id, data)
	return err
}
