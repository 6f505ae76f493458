package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anodyne74/diagcore/isotp"
	"github.com/anodyne74/diagcore/j2534"
	"github.com/anodyne74/diagcore/safety"
	"github.com/anodyne74/diagcore/telemetry"
	"github.com/anodyne74/diagcore/uds"
)

// Connection is one live diagnostic conversation with an ECU, bound to one
// borrowed J2534 channel (spec §6 API surface: the object Scanner::connect
// returns, over which Scanner::session and Scanner::send operate).
type Connection struct {
	scanner   *Scanner
	id        string
	scannerID string

	transport  j2534.Transport
	channelMgr *j2534.Manager
	channel    *j2534.Channel

	isotpEng *isotp.Engine
	udsEng   *uds.Engine

	vehicleState VehicleStateFunc
	telemetry    telemetry.Sink
}

// ID returns the connection-state manager's id for this connection.
func (c *Connection) ID() string { return c.id }

// Session returns a snapshot of the current UDS session.
func (c *Connection) Session() uds.Session { return c.udsEng.Session() }

func (c *Connection) checkGate(ctx context.Context, op safety.Operation) ([]safety.Issue, error) {
	if c.vehicleState == nil {
		// No sensor source wired: nothing to gate against. A host that
		// cares about safety preconditions must supply VehicleStateFunc.
		return nil, nil
	}
	vs, err := c.vehicleState(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: reading vehicle state: %w", err)
	}
	issues, err := safety.Check(op, vs)
	if err != nil {
		return issues, err
	}
	return issues, nil
}

// EnterSession gates and performs a diagnostic session change (spec
// §6 API surface: Scanner::session; spec §4.6 gates session changes).
// Entering the programming or safety-system session applies that session's
// stricter precondition table in addition to the general one.
func (c *Connection) EnterSession(ctx context.Context, t uds.SessionType) ([]byte, []safety.Issue, error) {
	if _, err := c.checkGate(ctx, safety.OpSessionChangeGeneral); err != nil {
		return nil, nil, err
	}

	var warnings []safety.Issue
	switch t {
	case uds.SessionProgramming:
		issues, err := c.checkGate(ctx, safety.OpProgrammingSession)
		warnings = append(warnings, issues...)
		if err != nil {
			return nil, warnings, err
		}
	case uds.SessionSafety:
		issues, err := c.checkGate(ctx, safety.OpSafetySystemSession)
		warnings = append(warnings, issues...)
		if err != nil {
			return nil, warnings, err
		}
	}

	resp, err := c.udsEng.EnterSession(ctx, t)
	return resp, warnings, err
}

// LeaveSession returns to the default session.
func (c *Connection) LeaveSession(ctx context.Context) error {
	return c.udsEng.LeaveSession(ctx)
}

// destructiveOp classifies a UDS service request against the safety gate's
// operation table (spec §4.6). Services with no corresponding table row
// (plain ECU reset, security access) are intentionally left ungated: the
// table is non-exhaustive and inventing thresholds would be guessing
// intent the spec explicitly warns against.
func destructiveOp(sid uds.ServiceID) (op safety.Operation, gated bool) {
	switch sid {
	case uds.SIDClearDiagnosticInformation:
		return safety.OpDTCClearing, true
	case uds.SIDWriteDataByIdentifier:
		return safety.OpECUCoding, true
	case uds.SIDRequestDownload, uds.SIDTransferData, uds.SIDRequestTransferExit, uds.SIDRoutineControl:
		return safety.OpECUProgramming, true
	default:
		return 0, false
	}
}

// Send performs one UDS request/response exchange, running the safety gate
// first when the service maps to a gated destructive operation (spec §6
// API surface: Scanner::send).
func (c *Connection) Send(ctx context.Context, sid uds.ServiceID, args ...byte) ([]byte, []safety.Issue, error) {
	var warnings []safety.Issue
	if op, gated := destructiveOp(sid); gated {
		issues, err := c.checkGate(ctx, op)
		warnings = issues
		if err != nil {
			return nil, warnings, err
		}
	}

	start := time.Now()
	resp, err := c.udsEng.SendAndAwait(ctx, sid, args...)
	c.recordExchange(sid, start, err)
	return resp, warnings, err
}

// recordExchange reports one request/response round trip to the optional
// telemetry sink. Latency and outcome are informational only: a sink error
// never fails the caller's request.
func (c *Connection) recordExchange(sid uds.ServiceID, start time.Time, sendErr error) {
	if c.telemetry == nil {
		return
	}
	exchange := telemetry.UDSExchange{
		ConnectionID: c.id,
		ServiceID:    byte(sid),
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000.0,
		At:           start,
	}
	var uErr *uds.Error
	if sendErr != nil && errors.As(sendErr, &uErr) && uErr.Kind == uds.KindNegativeResponse {
		nrc := byte(uErr.NRC)
		exchange.NegativeNRC = &nrc
	}
	if err := c.telemetry.RecordUDSExchange(exchange); err != nil {
		log.Printf("scanner: recording telemetry: %v", err)
	}
}

// RequestSecurityAccess performs the seed->key handshake for level.
func (c *Connection) RequestSecurityAccess(ctx context.Context, level int) error {
	return c.udsEng.RequestSecurityAccess(ctx, level)
}

// ProgrammingSequence returns a programming-sequence driver bound to this
// connection's engine (caller must already be in the programming session).
func (c *Connection) ProgrammingSequence() *uds.ProgrammingSequence {
	return uds.NewProgrammingSequence(c.udsEng)
}

// KeepaliveIfDue sends TesterPresent when due; see uds.Engine.KeepaliveIfDue.
func (c *Connection) KeepaliveIfDue(ctx context.Context) (bool, error) {
	return c.udsEng.KeepaliveIfDue(ctx)
}

// AttachRecorder enables ISO-TP frame capture on this connection's engine.
func (c *Connection) AttachRecorder(rec *isotp.FrameRecorder) {
	c.isotpEng.AttachRecorder(rec)
}

// Channel exposes the underlying J2534 channel for filter/periodic setup.
func (c *Connection) Channel() *j2534.Channel { return c.channel }

// StartPeriodic begins a periodic message pump on this connection's channel
// (spec §4.3). When the borrowed transport implements RawWriter, sends go
// through its raw-socket path for steadier timing; otherwise they fall back
// to the transport's ordinary Write.
func (c *Connection) StartPeriodic(ctx context.Context, arbitrationID uint32, payload []byte, periodMs int) (string, error) {
	send := func(data []byte) error {
		if rw, ok := c.transport.(j2534.RawWriter); ok {
			return rw.RawWrite(arbitrationID, data)
		}
		return c.transport.Write(ctx, data)
	}
	return c.channelMgr.StartPeriodic(ctx, c.channel.ID, payload, periodMs, send)
}

// StopPeriodic halts a periodic message pump started with StartPeriodic.
func (c *Connection) StopPeriodic(periodicID string) {
	c.channelMgr.StopPeriodic(c.channel.ID, periodicID)
}
