package isotp

import "time"

// FrameType is the ISO-TP PCI frame type, encoded in the upper nibble of byte 0.
type FrameType uint8

const (
	FrameSingle      FrameType = 0x0
	FrameFirst       FrameType = 0x1
	FrameConsecutive FrameType = 0x2
	FrameFlowControl FrameType = 0x3
)

// FlowStatus is the FS nibble of a flow-control frame.
type FlowStatus uint8

const (
	FlowContinueToSend FlowStatus = 0
	FlowWait           FlowStatus = 1
	FlowOverflow       FlowStatus = 2
)

// CANFrame is one 8-byte (or up to 4128-byte for CAN-FD-sized payloads,
// per spec §3) unit of wire data carrying ISO-TP PCI + data bytes.
type CANFrame struct {
	ProtocolID uint32
	TxFlags    uint32
	RxFlags    uint32
	TimestampUs int64
	Payload    []byte
}

// NewCANFrame validates and constructs an immutable frame.
func NewCANFrame(protocolID uint32, payload []byte) (*CANFrame, error) {
	if len(payload) > 4128 {
		return nil, ErrProtocolError("frame payload exceeds 4128 bytes")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &CANFrame{
		ProtocolID:  protocolID,
		TimestampUs: time.Now().UnixMicro(),
		Payload:     buf,
	}, nil
}

// PCIType returns the frame type encoded in the first byte.
func PCIType(b0 byte) FrameType {
	return FrameType(b0 >> 4)
}

// STMinDuration decodes the ISO-TP STmin byte into a wait duration per §4.2/§3.
func STMinDuration(stmin byte) time.Duration {
	switch {
	case stmin <= 0x7F:
		return time.Duration(stmin) * time.Millisecond
	case stmin >= 0xF1 && stmin <= 0xF9:
		return time.Duration(stmin-0xF0) * 100 * time.Microsecond
	default:
		// 0x80-0xF0 and 0xFA-0xFF are reserved; treated as 0.
		return 0
	}
}

// EncodeSTMin is the inverse of STMinDuration for the common sub-millisecond
// and millisecond cases used when building flow-control frames.
func EncodeSTMin(d time.Duration) byte {
	if d <= 0 {
		return 0x00
	}
	if d < time.Millisecond {
		units := d / (100 * time.Microsecond)
		if units < 1 {
			units = 1
		}
		if units > 9 {
			units = 9
		}
		return byte(0xF0 + units)
	}
	ms := d / time.Millisecond
	if ms > 0x7F {
		ms = 0x7F
	}
	return byte(ms)
}
