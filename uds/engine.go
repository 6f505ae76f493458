// Package uds implements the ISO 14229 Unified Diagnostic Services protocol
// engine: session control, request/response correlation, negative-response
// handling, keep-alive, and security access, layered over an ISO-TP PDU
// transport.
package uds

import (
	"context"
	"fmt"
	"time"
)

// PDUTransport is the capability the UDS engine needs from the ISO-TP layer:
// send one PDU and block for the next one addressed back to us.
type PDUTransport interface {
	SendPDU(ctx context.Context, sourceID, targetID uint32, payload []byte) error
	RecvPDU(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// SeedKeyFunc is the pluggable seed->key hook spec.md leaves as an Open
// Question / explicit extension point: manufacturer security algorithms
// are never implemented here.
type SeedKeyFunc func(seed []byte, level int) ([]byte, error)

// Timing holds the P2/P3 timing parameters (spec §6).
type Timing struct {
	P2Min              time.Duration
	P2Max              time.Duration
	P2StarMax          time.Duration
	P3Min              time.Duration
	P3Max              time.Duration
	ResponsePendingMax int
	KeepaliveEnabled   bool
}

// DefaultTiming mirrors the §6 defaults.
func DefaultTiming() Timing {
	return Timing{
		P2Min:              25 * time.Millisecond,
		P2Max:              50 * time.Millisecond,
		P2StarMax:          5000 * time.Millisecond,
		P3Min:              55 * time.Millisecond,
		P3Max:              5000 * time.Millisecond,
		ResponsePendingMax: 10,
		KeepaliveEnabled:   true,
	}
}

// Engine maintains one diagnostic session with one ECU address.
type Engine struct {
	transport PDUTransport
	session   *Session
	timing    Timing
	seedKey   SeedKeyFunc

	sourceID uint32
	targetID uint32

	pending bool // one outstanding request slot, per spec invariant

	busyBackoff time.Duration // >=1s per spec §7; overridable in tests
}

// NewEngine constructs a UDS engine bound to one ECU address pair.
func NewEngine(transport PDUTransport, sourceID, targetID uint32, timing Timing, seedKey SeedKeyFunc) *Engine {
	return &Engine{
		transport:   transport,
		session:     NewSession(targetID),
		timing:      timing,
		seedKey:     seedKey,
		sourceID:    sourceID,
		targetID:    targetID,
		busyBackoff: time.Second,
	}
}

// Session returns a read-only snapshot of the current session state.
func (e *Engine) Session() Session { return e.session.snapshot() }

// SendAndAwait performs one UDS request/response exchange: encodes the
// service id + args, sends it, and waits for the correlated response,
// honoring busy-retry and response-pending rules. Only one request may be
// outstanding at a time (spec invariant).
func (e *Engine) SendAndAwait(ctx context.Context, sid ServiceID, args ...byte) ([]byte, error) {
	if e.pending {
		return nil, errProtocolViolation("a request is already outstanding")
	}
	e.pending = true
	defer func() { e.pending = false }()

	req := make([]byte, 1+len(args))
	req[0] = byte(sid)
	copy(req[1:], args)

	busyRetries := 0
	for {
		if err := e.transport.SendPDU(ctx, e.sourceID, e.targetID, req); err != nil {
			return nil, err
		}
		e.session.touch()

		resp, err := e.awaitCorrelated(ctx, sid)
		if err == nil {
			e.session.touch()
			return resp, nil
		}

		uErr, ok := err.(*Error)
		if ok && uErr.Kind == KindNegativeResponse && uErr.NRC == NRCBusyRepeatRequest && busyRetries < 3 {
			busyRetries++
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.busyBackoff):
			}
			continue
		}
		return nil, err
	}
}

// awaitCorrelated waits for a response matching sid, transparently extending
// the deadline on each 0x78 ResponsePending up to ResponsePendingMax times.
func (e *Engine) awaitCorrelated(ctx context.Context, sid ServiceID) ([]byte, error) {
	deadline := e.timing.P2Max
	pendingCount := 0
	for {
		resp, err := e.transport.RecvPDU(ctx, deadline)
		if err != nil {
			return nil, errTimeout(fmt.Sprintf("service 0x%02X", sid))
		}
		if len(resp) == 0 {
			return nil, errProtocolViolation("empty response")
		}

		if resp[0] == negativeResponseSID {
			if len(resp) < 3 {
				return nil, errProtocolViolation("short negative response")
			}
			echoedSID := ServiceID(resp[1])
			nrc := NRC(resp[2])
			if echoedSID != sid {
				return nil, errProtocolViolation("negative response echoes sid 0x%02X, expected 0x%02X", echoedSID, sid)
			}
			if nrc == NRCResponsePending {
				pendingCount++
				if pendingCount > e.timing.ResponsePendingMax {
					return nil, errResponsePendingExhausted(e.timing.ResponsePendingMax)
				}
				deadline = e.timing.P2StarMax
				continue
			}
			return nil, errNegativeResponse(nrc)
		}

		if resp[0] != byte(sid)+positiveOffset {
			return nil, errProtocolViolation("response sid 0x%02X does not match request+0x40 (0x%02X)", resp[0], byte(sid)+positiveOffset)
		}
		return resp, nil
	}
}

// EnterSession sends DiagnosticSessionControl for the given type. On a
// positive response the session transitions; on NRC the session is
// unchanged and the NRC is surfaced.
func (e *Engine) EnterSession(ctx context.Context, t SessionType) ([]byte, error) {
	resp, err := e.SendAndAwait(ctx, SIDDiagnosticSessionControl, byte(t))
	if err != nil {
		return nil, err
	}
	e.session.enterSession(t)
	return resp, nil
}

// LeaveSession returns to the default session (0x10 0x01).
func (e *Engine) LeaveSession(ctx context.Context) error {
	_, err := e.EnterSession(ctx, SessionDefault)
	return err
}

// KeepaliveIfDue sends TesterPresent when the session has been idle past
// P3_min minus a safety margin. Failures are best-effort: the caller should
// log them, never surface them as a request failure.
func (e *Engine) KeepaliveIfDue(ctx context.Context) (sent bool, err error) {
	if !e.timing.KeepaliveEnabled {
		return false, nil
	}
	snap := e.session.snapshot()
	if snap.Type == SessionDefault {
		return false, nil
	}
	margin := 5 * time.Millisecond
	if time.Since(snap.LastActivity) < e.timing.P3Min-margin {
		return false, nil
	}
	_, err = e.SendAndAwait(ctx, SIDTesterPresent, 0x00)
	return true, err
}

// CheckIdleTimeout returns whether the ECU would have reverted to the
// default session under P3_max idle, and resets local state to match if so
// (device-initiated return detection per spec §4.4).
func (e *Engine) CheckIdleTimeout() bool {
	if e.session.idleTimeout(e.timing.P3Max) {
		e.session.resetToDefault()
		return true
	}
	return false
}
