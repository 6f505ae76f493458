package isotp

import (
	"context"
	"time"
)

// PDU is a logical diagnostic message crossing the segmenter as one unit.
type PDU struct {
	SourceID uint32
	TargetID uint32
	Payload  []byte
}

// ChannelTransport is the capability the Engine needs from whichever J2534
// channel it is currently borrowing: raw frame I/O keyed by source id.
type ChannelTransport interface {
	Sender
	FlowControlSender
}

// Engine couples a Segmenter and Reassembler over one borrowed channel.
// It is the unit the UDS engine calls into per spec §4.2/§4.4 data flow.
type Engine struct {
	seg *Segmenter
	ra  *Reassembler
	rec *FrameRecorder // optional, nil when capture is disabled
}

// NewEngine constructs an Engine from the given configs.
func NewEngine(segCfg SegmenterConfig, raCfg ReassemblerConfig) *Engine {
	return &Engine{
		seg: NewSegmenter(segCfg),
		ra:  NewReassembler(raCfg),
	}
}

// AttachRecorder enables frame capture on this engine for offline replay/debugging.
func (e *Engine) AttachRecorder(rec *FrameRecorder) { e.rec = rec }

// SendPDU segments pdu.Payload and writes it out over ct, recording frames
// if a recorder is attached.
func (e *Engine) SendPDU(ctx context.Context, ct ChannelTransport, pdu PDU) error {
	if e.rec != nil && e.rec.IsRunning() {
		_ = e.rec.Record(Frame{Timestamp: time.Now(), Type: "TX", ID: pdu.TargetID, Data: pdu.Payload})
	}
	return e.seg.Send(ctx, ct, pdu.Payload)
}

// Feed hands one inbound wire frame to the reassembler and returns the
// completed payload, if any; flow-control frames are sent through fcOut.
func (e *Engine) Feed(sourceID uint32, frame [8]byte, fcOut FlowControlSender) ([]byte, error) {
	payload, err := e.ra.Feed(sourceID, frame, fcOut)
	if err == nil && payload != nil && e.rec != nil && e.rec.IsRunning() {
		_ = e.rec.Record(Frame{Timestamp: time.Now(), Type: "RX", ID: sourceID, Data: payload})
	}
	return payload, err
}

// Reset discards reassembly state for sourceID; used on cancellation.
func (e *Engine) Reset(sourceID uint32) { e.ra.Reset(sourceID) }

// ExpireIdle drops stale reassembly contexts; run periodically by an owner task.
func (e *Engine) ExpireIdle(ttl time.Duration) []uint32 { return e.ra.ExpireIdle(ttl) }
