package isotp

import (
	"sync"
	"time"
)

// reassemblyState is the per-source-id state machine position.
type reassemblyState int

const (
	stateIdle reassemblyState = iota
	stateInProgress
)

// reassemblyContext is the per-source keyed reassembly state (spec §3).
type reassemblyContext struct {
	state           reassemblyState
	expectedLength  int
	received        []byte
	nextSN          uint8
	lastFrameAt     time.Time
	bsWindowLeft    int
}

// ReassemblerConfig carries the tunables a Reassembler needs.
type ReassemblerConfig struct {
	PaddingByte byte
	NCRMax      time.Duration
	BlockSize   int
	STMin       time.Duration
}

// DefaultReassemblerConfig mirrors the §6 defaults: unlimited block size, no STmin.
func DefaultReassemblerConfig() ReassemblerConfig {
	return ReassemblerConfig{PaddingByte: 0x00, NCRMax: time.Second, BlockSize: 0, STMin: 0}
}

// FlowControlSender emits a flow-control frame back to a given source on
// the wire; the reassembler calls it after FF and whenever a block expires.
type FlowControlSender interface {
	SendFlowControl(sourceID uint32, fc [8]byte) error
}

// Reassembler holds one context per source id and turns inbound 8-byte
// frames back into complete payloads. A zero value is not usable; use
// NewReassembler.
type Reassembler struct {
	cfg ReassemblerConfig
	mu  sync.Mutex
	ctx map[uint32]*reassemblyContext
}

// NewReassembler constructs a Reassembler with the given configuration.
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	return &Reassembler{cfg: cfg, ctx: make(map[uint32]*reassemblyContext)}
}

// Feed processes one inbound frame from sourceID. When a payload completes
// it is returned non-nil. Flow-control frames owed to that source are
// sent directly through fcOut.
func (r *Reassembler) Feed(sourceID uint32, frame [8]byte, fcOut FlowControlSender) (payload []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	switch PCIType(frame[0]) {
	case FrameSingle:
		length := int(frame[0] & 0x0F)
		if length > 7 || length > len(frame)-1 {
			return nil, ErrProtocolError("single frame length out of range")
		}
		delete(r.ctx, sourceID)
		out := make([]byte, length)
		copy(out, frame[1:1+length])
		return out, nil

	case FrameFirst:
		length, firstData := r.parseFirstFrame(frame)
		// A new FF always restarts any existing transfer from this source.
		nc := &reassemblyContext{
			state:          stateInProgress,
			expectedLength: length,
			received:       append([]byte{}, firstData...),
			nextSN:         1,
			lastFrameAt:    now,
			bsWindowLeft:   r.cfg.BlockSize,
		}
		r.ctx[sourceID] = nc

		if fcOut != nil {
			fc := r.buildCTS()
			if err := fcOut.SendFlowControl(sourceID, fc); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case FrameConsecutive:
		c, ok := r.ctx[sourceID]
		if !ok {
			return nil, ErrProtocolError("consecutive frame with no active transfer")
		}
		if now.Sub(c.lastFrameAt) > r.cfg.NCRMax {
			delete(r.ctx, sourceID)
			return nil, ErrInterFrameTimeout()
		}
		gotSN := frame[0] & 0x0F
		if gotSN != c.nextSN {
			delete(r.ctx, sourceID)
			return nil, ErrSequenceMismatch(c.nextSN, gotSN)
		}

		remaining := c.expectedLength - len(c.received)
		n := 7
		if n > remaining {
			n = remaining
		}
		c.received = append(c.received, frame[1:1+n]...)
		c.nextSN = (c.nextSN + 1) & 0x0F
		c.lastFrameAt = now

		if len(c.received) > c.expectedLength {
			delete(r.ctx, sourceID)
			return nil, ErrTruncated(c.expectedLength, len(c.received))
		}

		if len(c.received) == c.expectedLength {
			delete(r.ctx, sourceID)
			out := make([]byte, len(c.received))
			copy(out, c.received)
			return out, nil
		}

		if c.bsWindowLeft > 0 {
			c.bsWindowLeft--
			if c.bsWindowLeft == 0 {
				if fcOut != nil {
					fc := r.buildCTS()
					if err := fcOut.SendFlowControl(sourceID, fc); err != nil {
						return nil, err
					}
				}
				c.bsWindowLeft = r.cfg.BlockSize
			}
		}
		return nil, nil

	case FrameFlowControl:
		// Flow control is handled by the segmenter/Sender side, not here.
		return nil, nil

	default:
		return nil, ErrProtocolError("unknown PCI frame type")
	}
}

// Reset discards any in-progress reassembly for sourceID (cancellation,
// explicit close, or idle expiry).
func (r *Reassembler) Reset(sourceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ctx, sourceID)
}

// ExpireIdle drops any context whose last frame is older than ttl, returning
// the source ids that were aborted. Callers run this on a timer.
func (r *Reassembler) ExpireIdle(ttl time.Duration) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var expired []uint32
	for id, c := range r.ctx {
		if now.Sub(c.lastFrameAt) > ttl {
			expired = append(expired, id)
			delete(r.ctx, id)
		}
	}
	return expired
}

func (r *Reassembler) buildCTS() [8]byte {
	var fc [8]byte
	fc[0] = byte(FrameFlowControl) << 4
	fc[1] = byte(FlowContinueToSend)
	fc[2] = byte(r.cfg.BlockSize)
	fc[3] = EncodeSTMin(r.cfg.STMin)
	for i := 4; i < 8; i++ {
		fc[i] = r.cfg.PaddingByte
	}
	return fc
}

// parseFirstFrame decodes a standard or extended First Frame.
func (r *Reassembler) parseFirstFrame(frame [8]byte) (length int, firstData []byte) {
	if frame[0] == 0x10 && frame[1] == 0x00 {
		length = int(frame[2])<<24 | int(frame[3])<<16 | int(frame[4])<<8 | int(frame[5])
		return length, append([]byte{}, frame[6:8]...)
	}
	length = int(frame[0]&0x0F)<<8 | int(frame[1])
	return length, append([]byte{}, frame[2:8]...)
}
