// Package scanner is the unified entry point over the diagnostic core:
// discovery, connect, session control, and request send, composing the
// j2534 channel manager, the ISO-TP and UDS engines, the safety gate, and
// the connection state manager behind one façade (spec §4/component G).
package scanner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anodyne74/diagcore/connstate"
	"github.com/anodyne74/diagcore/isotp"
	"github.com/anodyne74/diagcore/j2534"
	"github.com/anodyne74/diagcore/safety"
	"github.com/anodyne74/diagcore/telemetry"
	"github.com/anodyne74/diagcore/uds"
)

// Candidate describes one connectable scanner the façade knows how to
// reach. The core never probes hardware itself (spec §9's open question on
// the stubbed J2534 binding): a host wires one Candidate per concrete
// transport driver it ships (SocketCAN, ELM327, ...).
type Candidate struct {
	ScannerID   string
	Type        connstate.ScannerType
	Device      j2534.Device
	NewTransport func() (j2534.Transport, error)
}

// VehicleStateFunc supplies the live vehicle signals the safety gate reads
// before a destructive operation (spec §4.6). The core has no sensor
// access of its own; a host wires this to its ECU telemetry.
type VehicleStateFunc func(ctx context.Context) (safety.VehicleState, error)

// Options configures a Scanner's engine timing and optional sinks.
type Options struct {
	SegmenterConfig   isotp.SegmenterConfig
	ReassemblerConfig isotp.ReassemblerConfig
	UDSTiming         uds.Timing
	J2534Timing       j2534.Timing
	MaxChannels       int
	SeedKey           uds.SeedKeyFunc
	VehicleState      VehicleStateFunc
	Repository        connstate.StateRepository
	Telemetry         telemetry.Sink
}

// DefaultOptions mirrors the §6 defaults end to end.
func DefaultOptions() Options {
	return Options{
		SegmenterConfig:   isotp.DefaultSegmenterConfig(),
		ReassemblerConfig: isotp.DefaultReassemblerConfig(),
		UDSTiming:         uds.DefaultTiming(),
		J2534Timing:       j2534.DefaultTiming(),
		MaxChannels:       10,
	}
}

// Scanner is the root object a host constructs once; it owns the
// connection-state manager and a registry of connectable candidates, and
// hands out Connections on Connect.
type Scanner struct {
	opts Options

	mu         sync.Mutex
	candidates map[string]Candidate
	conns      map[string]*Connection

	state  *connstate.Manager
	events chan Event
}

// New constructs a Scanner. opts.Repository may be nil to skip persistence entirely.
func New(opts Options) *Scanner {
	s := &Scanner{
		opts:       opts,
		candidates: make(map[string]Candidate),
		conns:      make(map[string]*Connection),
		state:      connstate.NewManager(opts.Repository),
		events:     make(chan Event, 128),
	}
	go s.pumpStateEvents()
	return s
}

func (s *Scanner) pumpStateEvents() {
	for ev := range s.state.Events() {
		s.emit(Event{Kind: ev.Kind, ConnectionID: ev.ConnectionID, At: ev.At, Detail: ev.Detail})
	}
}

func (s *Scanner) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Events returns the façade's merged event stream: connection-state
// transitions, conflict resolutions, and quality changes.
func (s *Scanner) Events() <-chan Event { return s.events }

// RegisterCandidate adds a connectable scanner to the discovery registry.
func (s *Scanner) RegisterCandidate(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.ScannerID] = c
}

// Discover returns the currently registered candidates (spec §6 API
// surface: Scanner::discover). Binding to real hardware enumeration is a
// driver-layer concern outside the core.
func (s *Scanner) Discover(ctx context.Context) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, c)
	}
	return out
}

// Connect opens the transport for scannerID, registers it with the
// connection-state manager, and builds one J2534 channel plus the ISO-TP
// and UDS engines bound to it (spec §6 API surface: Scanner::connect).
func (s *Scanner) Connect(ctx context.Context, scannerID string, protocol j2534.Protocol, sourceID, targetID uint32) (*Connection, error) {
	s.mu.Lock()
	cand, ok := s.candidates[scannerID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scanner: unknown scanner %q", scannerID)
	}

	transport, err := cand.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("scanner: building transport for %q: %w", scannerID, err)
	}

	connectionID := uuid.NewString()
	s.state.Register(connectionID, scannerID, cand.Type)

	go s.forwardTransportState(connectionID, transport.Observe())

	if err := transport.Connect(ctx); err != nil {
		// A fresh connect attempt failing is not a transport hiccup to
		// retry on its own; the caller decides whether to try again.
		_ = s.state.Transition(connectionID, connstate.StateError, false)
		return nil, fmt.Errorf("scanner: connecting %q: %w", scannerID, err)
	}
	if err := s.state.Transition(connectionID, connstate.StateConnected, true); err != nil {
		return nil, err
	}

	device := cand.Device
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	chMgr := j2534.NewManager(&device, s.opts.MaxChannels)
	channel, err := chMgr.CreateChannel(j2534.ChannelRequest{
		Protocol: protocol,
		Priority: j2534.PriorityNormal,
		Allocation: j2534.Allocation{
			MaxBandwidthPercent: 100,
			MaxFilters:          16,
			MaxBufferSize:       4096,
			TimeSliceMs:         100,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scanner: creating channel: %w", err)
	}
	if !channel.TryBorrow() {
		return nil, fmt.Errorf("scanner: channel %s already borrowed", channel.ID)
	}

	adapter := &channelAdapter{transport: transport}
	isotpEng := isotp.NewEngine(s.opts.SegmenterConfig, s.opts.ReassemblerConfig)
	pdu := &pduTransport{
		engine:       isotpEng,
		adapter:      adapter,
		transport:    transport,
		sourceID:     sourceID,
		connectionID: connectionID,
		telemetry:    s.opts.Telemetry,
	}
	timing := s.opts.UDSTiming
	udsEng := uds.NewEngine(pdu, sourceID, targetID, timing, s.opts.SeedKey)

	conn := &Connection{
		scanner:      s,
		id:           connectionID,
		scannerID:    scannerID,
		transport:    transport,
		channelMgr:   chMgr,
		channel:      channel,
		isotpEng:     isotpEng,
		udsEng:       udsEng,
		vehicleState: s.opts.VehicleState,
		telemetry:    s.opts.Telemetry,
	}

	s.mu.Lock()
	s.conns[connectionID] = conn
	s.mu.Unlock()

	return conn, nil
}

func (s *Scanner) forwardTransportState(connectionID string, events <-chan j2534.StateEvent) {
	for ev := range events {
		var to connstate.TransportState
		switch ev.State {
		case j2534.StateDisconnected:
			to = connstate.StateDisconnected
		case j2534.StateConnecting:
			to = connstate.StateConnecting
		case j2534.StateConnected:
			to = connstate.StateConnected
		case j2534.StateReconnecting:
			to = connstate.StateReconnecting
		case j2534.StateError:
			to = connstate.StateError
		default:
			continue
		}
		_ = s.state.Transition(connectionID, to, ev.Recoverable)
	}
}

// Connection returns the active connection for connectionID, if any.
func (s *Scanner) Connection(connectionID string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connectionID]
	return c, ok
}

// Disconnect tears down one connection: releases its channel, closes its
// transport, and drops it from the connection-state manager.
func (s *Scanner) Disconnect(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	conn, ok := s.conns[connectionID]
	if ok {
		delete(s.conns, connectionID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scanner: unknown connection %q", connectionID)
	}

	conn.channel.Release()
	_ = conn.channelMgr.CloseChannel(conn.channel.ID)
	err := conn.transport.Disconnect(ctx)
	s.state.Remove(connectionID)
	return err
}

// GlobalState returns the connection-state manager's current aggregate
// health view (spec §4.5).
func (s *Scanner) GlobalState() connstate.GlobalState { return s.state.GlobalState() }

// StateManager exposes the underlying connection-state manager for callers
// that need quality updates (UpdateQuality) or direct inspection.
func (s *Scanner) StateManager() *connstate.Manager { return s.state }

// RunQualityLoop is a convenience task a host may run to periodically
// recompute quality from a connection's transport metrics. The core has no
// signal-strength source of its own; metricsFunc supplies it.
func (s *Scanner) RunQualityLoop(ctx context.Context, connectionID string, interval time.Duration, metricsFunc func() (rssi, responseMs int, errorRatePc float64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rssi, responseMs, errorRatePc := metricsFunc()
			_ = s.state.UpdateQuality(connectionID, rssi, responseMs, errorRatePc)
			s.recordQuality(connectionID)
		}
	}
}

// recordQuality reports the connection's freshly updated quality sample to
// the optional telemetry sink.
func (s *Scanner) recordQuality(connectionID string) {
	if s.opts.Telemetry == nil {
		return
	}
	info, ok := s.state.Get(connectionID)
	if !ok {
		return
	}
	err := s.opts.Telemetry.RecordConnectionQuality(telemetry.ConnectionQuality{
		ConnectionID: connectionID,
		Score:        info.Quality.Score,
		RSSI:         info.Quality.RSSI,
		ResponseMs:   info.Quality.ResponseMs,
		ErrorRatePc:  info.Quality.ErrorRatePc,
		At:           time.Now(),
	})
	if err != nil {
		log.Printf("scanner: recording quality telemetry: %v", err)
	}
}
