package wire

import "fmt"

// ErrorCode is a QUIC transport error code (RFC 9000 section 20).
type ErrorCode uint64

// Transport error codes.
const (
	NoError                 ErrorCode = 0x00
	InternalError           ErrorCode = 0x01
	ConnectionRefused       ErrorCode = 0x02
	FlowControlError        ErrorCode = 0x03
	StreamLimitError        ErrorCode = 0x04
	StreamStateError        ErrorCode = 0x05
	FinalSizeError          ErrorCode = 0x06
	FrameEncodingError      ErrorCode = 0x07
	TransportParameterError ErrorCode = 0x08
	ConnectionIDLimitError  ErrorCode = 0x09
	ProtocolViolation       ErrorCode = 0x0a
	InvalidToken            ErrorCode = 0x0b
	ApplicationError        ErrorCode = 0x0c
	CryptoBufferExceeded    ErrorCode = 0x0d
	KeyUpdateError          ErrorCode = 0x0e
	AEADLimitReached        ErrorCode = 0x0f
	NoViablePath            ErrorCode = 0x10
)

// CryptoErrorBase is added to a TLS alert code to form the transport error
// code reported for a handshake failure.
const CryptoErrorBase ErrorCode = 0x100

var errorCodeName = map[ErrorCode]string{
	NoError:                 "NO_ERROR",
	InternalError:           "INTERNAL_ERROR",
	ConnectionRefused:       "CONNECTION_REFUSED",
	FlowControlError:        "FLOW_CONTROL_ERROR",
	StreamLimitError:        "STREAM_LIMIT_ERROR",
	StreamStateError:        "STREAM_STATE_ERROR",
	FinalSizeError:          "FINAL_SIZE_ERROR",
	FrameEncodingError:      "FRAME_ENCODING_ERROR",
	TransportParameterError: "TRANSPORT_PARAMETER_ERROR",
	ConnectionIDLimitError:  "CONNECTION_ID_LIMIT_ERROR",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
	InvalidToken:            "INVALID_TOKEN",
	ApplicationError:        "APPLICATION_ERROR",
	CryptoBufferExceeded:    "CRYPTO_BUFFER_EXCEEDED",
	KeyUpdateError:          "KEY_UPDATE_ERROR",
	AEADLimitReached:        "AEAD_LIMIT_REACHED",
	NoViablePath:            "NO_VIABLE_PATH",
}

func (c ErrorCode) String() string {
	s, ok := errorCodeName[c]
	if ok {
		return s
	}
	if c >= CryptoErrorBase && c < CryptoErrorBase+0x100 {
		return fmt.Sprintf("CRYPTO_ERROR(alert=%d)", uint64(c-CryptoErrorBase))
	}
	return fmt.Sprintf("UNKNOWN_ERROR_0x%x", uint64(c))
}

// CryptoError builds the transport error code for a TLS alert.
func CryptoError(alert uint8) ErrorCode {
	return CryptoErrorBase + ErrorCode(alert)
}

// TransportError is a connection-fatal protocol error.  It maps directly to
// the CONNECTION_CLOSE frame that reports it to the peer.
type TransportError struct {
	Code      ErrorCode
	FrameType uint64 // frame type that triggered the error, 0 if none
	Reason    string
}

func (e *TransportError) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewError builds a TransportError with a formatted reason phrase.
func NewError(code ErrorCode, format string, args ...interface{}) *TransportError {
	return &TransportError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AppError is an application-level close or stream reset code.  The code
// space is opaque to the transport.
type AppError struct {
	Code   uint64
	Reason string
}

func (e *AppError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("application error %d", e.Code)
	}
	return fmt.Sprintf("application error %d: %s", e.Code, e.Reason)
}
