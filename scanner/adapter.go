package scanner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/anodyne74/diagcore/isotp"
	"github.com/anodyne74/diagcore/j2534"
	"github.com/anodyne74/diagcore/telemetry"
)

// channelAdapter bridges a borrowed j2534.Transport to the isotp package's
// Sender/FlowControlSender capabilities: it turns the transport's
// variable-length reads into fixed 8-byte CAN frames and classifies
// inbound flow-control frames for the segmenter.
type channelAdapter struct {
	transport j2534.Transport
}

func (c *channelAdapter) SendFrame(ctx context.Context, payload [8]byte) error {
	return c.transport.Write(ctx, payload[:])
}

// AwaitFlowControl polls the transport until a flow-control frame (PCI type
// 0x3) arrives or timeout elapses. Non-FC frames observed in the meantime
// (e.g. a stray response byte) are discarded; they are not valid wire
// traffic during a segmenter's wait-for-FC window.
func (c *channelAdapter) AwaitFlowControl(ctx context.Context, timeout time.Duration) ([8]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return [8]byte{}, fmt.Errorf("scanner: flow-control wait timed out")
		}
		data, err := c.transport.Read(ctx, remaining)
		if err != nil {
			return [8]byte{}, err
		}
		var frame [8]byte
		copy(frame[:], data)
		if isotp.PCIType(frame[0]) == isotp.FrameFlowControl {
			return frame, nil
		}
	}
}

func (c *channelAdapter) SendFlowControl(sourceID uint32, fc [8]byte) error {
	return c.transport.Write(context.Background(), fc[:])
}

// pduTransport implements uds.PDUTransport over one borrowed channel: it
// segments outbound PDUs through the isotp Engine and reassembles inbound
// ones by pumping the channel's raw reads through the same engine.
type pduTransport struct {
	engine       *isotp.Engine
	adapter      *channelAdapter
	transport    j2534.Transport
	sourceID     uint32
	connectionID string
	telemetry    telemetry.Sink
}

func (p *pduTransport) SendPDU(ctx context.Context, sourceID, targetID uint32, payload []byte) error {
	start := time.Now()
	err := p.engine.SendPDU(ctx, p.adapter, isotp.PDU{SourceID: sourceID, TargetID: targetID, Payload: payload})
	if err == nil {
		p.recordTransfer("tx", len(payload), start)
	}
	return err
}

func (p *pduTransport) RecvPDU(ctx context.Context, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("scanner: pdu receive timed out")
		}
		data, err := p.transport.Read(ctx, remaining)
		if err != nil {
			return nil, err
		}
		var frame [8]byte
		copy(frame[:], data)

		if isotp.PCIType(frame[0]) == isotp.FrameFlowControl {
			// Flow control for an exchange we are sending belongs to the
			// segmenter's own AwaitFlowControl loop, not reassembly.
			continue
		}

		payload, err := p.engine.Feed(p.sourceID, frame, p.adapter)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			p.recordTransfer("rx", len(payload), start)
			return payload, nil
		}
	}
}

// recordTransfer reports one completed ISO-TP PDU transfer (single- or
// multi-frame) to the
// optional telemetry sink. A sink error is logged, never surfaced to the
// caller of SendPDU/RecvPDU.
func (p *pduTransport) recordTransfer(direction string, bytes int, start time.Time) {
	if p.telemetry == nil {
		return
	}
	err := p.telemetry.RecordISOTPTransfer(telemetry.ISOTPTransfer{
		ConnectionID: p.connectionID,
		Direction:    direction,
		Bytes:        bytes,
		DurationMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		At:           start,
	})
	if err != nil {
		log.Printf("scanner: recording isotp transfer telemetry: %v", err)
	}
}
