package isotp

import (
	"context"
	"time"
)

// Sender is the minimal capability the segmenter needs from whatever
// transport/channel carries frames on the wire: writing one frame and
// waiting for the next flow-control frame.
type Sender interface {
	SendFrame(ctx context.Context, payload [8]byte) error
	// AwaitFlowControl blocks for up to timeout for the next FC frame
	// matching this exchange, or returns an error.
	AwaitFlowControl(ctx context.Context, timeout time.Duration) ([8]byte, error)
}

// SegmenterConfig carries the tunables a Segmenter needs (spec §6).
type SegmenterConfig struct {
	PaddingByte byte
	FCTimeout   time.Duration
}

// DefaultSegmenterConfig mirrors the §6 defaults.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{PaddingByte: 0x00, FCTimeout: time.Second}
}

// Segmenter is stateless per call: it turns one payload into a stream of
// 8-byte CAN frames sent through Sender, honoring flow control.
type Segmenter struct {
	cfg SegmenterConfig
}

// NewSegmenter builds a Segmenter with the given configuration.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg}
}

const (
	standardMaxLength = 4095
	extendedMaxLength = 1<<32 - 1
)

// Send segments payload and writes it out through s, blocking on flow
// control as ISO 15765-2 requires. It returns once the whole payload has
// been sent, or an error if flow control times out or aborts.
func (s *Segmenter) Send(ctx context.Context, sender Sender, payload []byte) error {
	l := len(payload)
	if l > extendedMaxLength {
		return ErrPayloadTooLarge(l)
	}

	if l <= 7 {
		return sender.SendFrame(ctx, s.singleFrame(payload))
	}

	extended := l > standardMaxLength

	var first [8]byte
	var firstDataLen int
	if !extended {
		first[0] = byte(FrameFirst)<<4 | byte((l>>8)&0x0F)
		first[1] = byte(l & 0xFF)
		firstDataLen = 6
	} else {
		first[0] = 0x10
		first[1] = 0x00
		first[2] = byte(l >> 24)
		first[3] = byte(l >> 16)
		first[4] = byte(l >> 8)
		first[5] = byte(l)
		firstDataLen = 2
	}
	copy(first[8-firstDataLen:], payload[:firstDataLen])
	if err := sender.SendFrame(ctx, first); err != nil {
		return err
	}

	remaining := payload[firstDataLen:]
	sn := uint8(1)
	blockCount := 0

	blockSize, stmin, err := s.waitForCTS(ctx, sender)
	if err != nil {
		return err
	}

	for len(remaining) > 0 {
		if blockSize > 0 && blockCount == blockSize {
			blockSize, stmin, err = s.waitForCTS(ctx, sender)
			if err != nil {
				return err
			}
			blockCount = 0
		}

		chunk := remaining
		if len(chunk) > 7 {
			chunk = chunk[:7]
		}
		var cf [8]byte
		cf[0] = byte(FrameConsecutive)<<4 | (sn & 0x0F)
		copy(cf[1:], chunk)
		for i := 1 + len(chunk); i < 8; i++ {
			cf[i] = s.cfg.PaddingByte
		}
		if err := sender.SendFrame(ctx, cf); err != nil {
			return err
		}

		remaining = remaining[len(chunk):]
		sn = (sn + 1) & 0x0F
		blockCount++

		if len(remaining) > 0 && stmin > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stmin):
			}
		}
	}
	return nil
}

func (s *Segmenter) singleFrame(payload []byte) [8]byte {
	var f [8]byte
	f[0] = byte(FrameSingle)<<4 | byte(len(payload)&0x0F)
	copy(f[1:], payload)
	for i := 1 + len(payload); i < 8; i++ {
		f[i] = s.cfg.PaddingByte
	}
	return f
}

// maxWaitFrames caps consecutive FS=Wait frames before giving up, mirroring
// the "wait_frames_max" field of the flow-control parameters in spec §3.
const maxWaitFrames = 16

// waitForCTS blocks until a Continue-To-Send flow-control frame arrives,
// tolerating a bounded run of FS=Wait frames and failing on FS=Overflow.
func (s *Segmenter) waitForCTS(ctx context.Context, sender Sender) (blockSize int, stmin time.Duration, err error) {
	for i := 0; i < maxWaitFrames; i++ {
		fc, err := sender.AwaitFlowControl(ctx, s.cfg.FCTimeout)
		if err != nil {
			return 0, 0, ErrFlowControlTimeout()
		}
		switch FlowStatus(fc[1]) {
		case FlowContinueToSend:
			return int(fc[2]), STMinDuration(fc[3]), nil
		case FlowWait:
			continue
		case FlowOverflow:
			return 0, 0, ErrFlowControlAbort()
		default:
			return 0, 0, ErrProtocolError("unrecognized flow status")
		}
	}
	return 0, 0, ErrFlowControlTimeout()
}
