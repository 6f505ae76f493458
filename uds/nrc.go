package uds

// NRC is a UDS Negative Response Code, the third byte of a 0x7F response.
type NRC byte

const (
	NRCGeneralReject                            NRC = 0x10
	NRCServiceNotSupported                      NRC = 0x11
	NRCSubFunctionNotSupported                  NRC = 0x12
	NRCIncorrectLength                          NRC = 0x13
	NRCBusyRepeatRequest                        NRC = 0x21
	NRCConditionsNotCorrect                     NRC = 0x22
	NRCRequestSequenceError                     NRC = 0x24
	NRCRequestOutOfRange                        NRC = 0x31
	NRCSecurityAccessDenied                     NRC = 0x33
	NRCInvalidKey                               NRC = 0x35
	NRCExceedNumberOfAttempts                   NRC = 0x36
	NRCRequiredTimeDelayNotExpired               NRC = 0x37
	NRCGeneralProgrammingFailure                NRC = 0x72
	NRCResponsePending                          NRC = 0x78
	NRCSubFunctionNotSupportedInActiveSession   NRC = 0x7E
	NRCServiceNotSupportedInActiveSession       NRC = 0x7F
)

var nrcNames = map[NRC]string{
	NRCGeneralReject:                          "GeneralReject",
	NRCServiceNotSupported:                    "ServiceNotSupported",
	NRCSubFunctionNotSupported:                "SubFunctionNotSupported",
	NRCIncorrectLength:                        "IncorrectLength",
	NRCBusyRepeatRequest:                      "BusyRepeatRequest",
	NRCConditionsNotCorrect:                   "ConditionsNotCorrect",
	NRCRequestSequenceError:                   "RequestSequenceError",
	NRCRequestOutOfRange:                      "RequestOutOfRange",
	NRCSecurityAccessDenied:                   "SecurityAccessDenied",
	NRCInvalidKey:                             "InvalidKey",
	NRCExceedNumberOfAttempts:                 "ExceedNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired:            "RequiredTimeDelayNotExpired",
	NRCGeneralProgrammingFailure:              "GeneralProgrammingFailure",
	NRCResponsePending:                        "ResponsePending",
	NRCSubFunctionNotSupportedInActiveSession: "SubFunctionNotSupportedInActiveSession",
	NRCServiceNotSupportedInActiveSession:     "ServiceNotSupportedInActiveSession",
}

func (n NRC) String() string {
	if name, ok := nrcNames[n]; ok {
		return name
	}
	return "Unknown"
}

// ServiceID identifies a UDS diagnostic service by its request SID.
type ServiceID byte

const (
	SIDDiagnosticSessionControl   ServiceID = 0x10
	SIDECUReset                   ServiceID = 0x11
	SIDClearDiagnosticInformation ServiceID = 0x14
	SIDReadDTCInformation         ServiceID = 0x19
	SIDReadDataByIdentifier       ServiceID = 0x22
	SIDSecurityAccess             ServiceID = 0x27
	SIDWriteDataByIdentifier      ServiceID = 0x2E
	SIDRoutineControl             ServiceID = 0x31
	SIDRequestDownload            ServiceID = 0x34
	SIDTransferData               ServiceID = 0x36
	SIDRequestTransferExit        ServiceID = 0x37
	SIDTesterPresent              ServiceID = 0x3E

	negativeResponseSID = 0x7F
	positiveOffset       = 0x40
)

// SessionType is the UDS diagnostic session sub-function.
type SessionType byte

const (
	SessionDefault     SessionType = 0x01
	SessionProgramming SessionType = 0x02
	SessionExtended    SessionType = 0x03
	SessionSafety      SessionType = 0x04
)

func (s SessionType) String() string {
	switch s {
	case SessionDefault:
		return "default"
	case SessionProgramming:
		return "programming"
	case SessionExtended:
		return "extended"
	case SessionSafety:
		return "safety"
	default:
		return "unknown"
	}
}
