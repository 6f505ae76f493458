package uds

import "fmt"

// DTCType is the first-two-bit category of a decoded DTC.
type DTCType byte

const (
	DTCPowertrain DTCType = iota
	DTCChassis
	DTCBody
	DTCNetwork
)

func (t DTCType) String() string {
	switch t {
	case DTCPowertrain:
		return "P"
	case DTCChassis:
		return "C"
	case DTCBody:
		return "B"
	case DTCNetwork:
		return "U"
	default:
		return "?"
	}
}

// DTCStatus decodes the ReadDTCInformation status byte bit field (spec §4.4).
type DTCStatus struct {
	TestFailed                          bool
	TestFailedThisMonitoringCycle       bool
	PendingDTC                          bool
	ConfirmedDTC                        bool
	TestNotCompletedSinceLastClear      bool
	TestFailedSinceLastClear            bool
	TestNotCompletedThisMonitoringCycle bool
	WarningIndicatorRequested           bool
}

func decodeDTCStatus(b byte) DTCStatus {
	return DTCStatus{
		TestFailed:                          b&0x01 != 0,
		TestFailedThisMonitoringCycle:       b&0x02 != 0,
		PendingDTC:                          b&0x04 != 0,
		ConfirmedDTC:                        b&0x08 != 0,
		TestNotCompletedSinceLastClear:      b&0x10 != 0,
		TestFailedSinceLastClear:            b&0x20 != 0,
		TestNotCompletedThisMonitoringCycle: b&0x40 != 0,
		WarningIndicatorRequested:           b&0x80 != 0,
	}
}

// DTC is a decoded diagnostic trouble code.
type DTC struct {
	Type   DTCType
	Code   string // 4 hex chars, e.g. "0171"
	Status DTCStatus
}

// String renders the conventional "P0171"-style DTC label.
func (d DTC) String() string {
	return fmt.Sprintf("%s%s", d.Type, d.Code)
}

// DecodeDTC decodes a DTC record: (byte0, byte1[, status]) or
// (byte0, byte1, byte2, status). The status byte is the last byte of a 3- or
// 4-byte record; byte2 of a 4-byte record is not decoded, and a 2-byte record
// yields a zero Status.
func DecodeDTC(raw []byte) (DTC, error) {
	if len(raw) < 2 {
		return DTC{}, errProtocolViolation("DTC payload too short: %d bytes", len(raw))
	}
	dtcType := DTCType((raw[0] >> 6) & 0x3)
	code := fmt.Sprintf("%02X%02X", raw[0]&0x3F, raw[1])
	var status DTCStatus
	switch {
	case len(raw) >= 4:
		status = decodeDTCStatus(raw[3])
	case len(raw) == 3:
		status = decodeDTCStatus(raw[2])
	}
	return DTC{Type: dtcType, Code: code, Status: status}, nil
}

// DecodeDTCs decodes a sequence of fixed-width DTC records from a
// ReadDTCInformation response payload (after the service/sub-function
// header bytes have been stripped by the caller).
func DecodeDTCs(raw []byte, recordWidth int) ([]DTC, error) {
	if recordWidth != 3 && recordWidth != 4 {
		return nil, errProtocolViolation("unsupported DTC record width %d", recordWidth)
	}
	if len(raw)%recordWidth != 0 {
		return nil, errProtocolViolation("DTC payload length %d not a multiple of record width %d", len(raw), recordWidth)
	}
	out := make([]DTC, 0, len(raw)/recordWidth)
	for i := 0; i < len(raw); i += recordWidth {
		d, err := DecodeDTC(raw[i : i+recordWidth])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
