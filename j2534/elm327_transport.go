package j2534

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// elm327Port is the minimal surface ELM327Transport needs from a serial
// link. *serial.Port satisfies it directly.
//
// elmobd.Device exposes OBD queries, not a raw byte pipe (the AT-command
// handshake below needs raw read/write), so the serial link is opened
// directly with tarm/serial rather than through elmobd.
type elm327Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ELM327Transport is a concrete Transport binding ISO15765/ISO9141/ISO14230
// traffic to an ELM327-compatible pass-through adapter over a serial link.
// Frames are exchanged as ELM327's ASCII hex command protocol: writes are
// rendered as "<hex bytes>\r", reads are parsed back out of ">"-terminated
// response lines.
type ELM327Transport struct {
	portName string
	baud     int

	mu     sync.Mutex
	port   elm327Port
	reader *bufio.Reader
	state  ConnState
	events chan StateEvent
}

// NewELM327Transport builds a transport bound to a serial device path
// (e.g. "/dev/ttyUSB0") at the given baud rate.
func NewELM327Transport(portName string, baud int) *ELM327Transport {
	return &ELM327Transport{
		portName: portName,
		baud:     baud,
		events:   make(chan StateEvent, 16),
		state:    StateDisconnected,
	}
}

func (t *ELM327Transport) emit(ev StateEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

// Connect opens the serial port and runs the ELM327 reset/init handshake:
// ATZ (reset), ATE0 (echo off), ATL0 (linefeeds off), ATSP6 (protocol
// select: ISO 15765-4 CAN, 11-bit, 500kbps).
func (t *ELM327Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.emit(StateEvent{State: StateConnecting, At: time.Now()})

	cfg := &serial.Config{Name: t.portName, Baud: t.baud, ReadTimeout: 2 * time.Second}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		t.emit(StateEvent{State: StateError, Cause: err.Error(), Recoverable: true, At: time.Now()})
		return fmt.Errorf("elm327: opening %s: %w", t.portName, err)
	}
	t.port = port
	t.reader = bufio.NewReader(port)

	for _, cmd := range []string{"ATZ", "ATE0", "ATL0", "ATSP6"} {
		if _, err := t.sendCommandLocked(cmd); err != nil {
			_ = port.Close()
			t.port = nil
			t.emit(StateEvent{State: StateError, Cause: err.Error(), Recoverable: true, At: time.Now()})
			return fmt.Errorf("elm327: init command %s: %w", cmd, err)
		}
	}

	t.state = StateConnected
	t.emit(StateEvent{State: StateConnected, Info: t.portName, At: time.Now()})
	return nil
}

// Disconnect closes the serial port.
func (t *ELM327Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
	}
	t.state = StateDisconnected
	t.emit(StateEvent{State: StateDisconnected, At: time.Now()})
	return nil
}

// Write sends one frame's worth of data as an ELM327 hex command.
func (t *ELM327Transport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return fmt.Errorf("elm327: not connected")
	}
	cmd := hexEncodeSpaced(data)
	_, err := t.sendCommandLocked(cmd)
	return err
}

// Read blocks for the next response line and decodes it back from ELM327
// hex. The timeout and ctx arguments are not applied; how long a read waits
// depends on the serial port read timeout set in Connect.
func (t *ELM327Transport) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, fmt.Errorf("elm327: not connected")
	}
	line, err := t.readLineLocked()
	if err != nil {
		return nil, err
	}
	return hexDecodeSpaced(line)
}

// Observe returns the transport's state-change stream.
func (t *ELM327Transport) Observe() <-chan StateEvent { return t.events }

// sendCommandLocked writes cmd terminated by \r and reads back the
// response up to the ">" prompt. Caller must hold t.mu.
func (t *ELM327Transport) sendCommandLocked(cmd string) (string, error) {
	if _, err := t.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("elm327: write %q: %w", cmd, err)
	}
	return t.readLineLocked()
}

func (t *ELM327Transport) readLineLocked() (string, error) {
	line, err := t.reader.ReadString('>')
	if err != nil {
		return "", fmt.Errorf("elm327: read: %w", err)
	}
	line = strings.TrimSpace(strings.TrimSuffix(line, ">"))
	line = strings.TrimSpace(strings.ReplaceAll(line, "\r", " "))
	if strings.Contains(line, "NO DATA") || strings.Contains(line, "ERROR") {
		return "", fmt.Errorf("elm327: adapter reported %q", line)
	}
	return line, nil
}

func hexEncodeSpaced(data []byte) string {
	var b strings.Builder
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

func hexDecodeSpaced(s string) ([]byte, error) {
	fields := strings.Fields(s)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		var v byte
		if _, err := fmt.Sscanf(f, "%02X", &v); err != nil {
			return nil, fmt.Errorf("elm327: decoding hex token %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}
