// Package stream implements QUIC streams: the send and receive half state
// machines, out-of-order reassembly, retransmission bookkeeping, per-stream
// flow control, and the blocking application API.
package stream

import "fmt"

// SendState is the state of a stream's sending half (RFC 9000 section 3.1).
type SendState int32

// Send half states.
const (
	SendReady SendState = iota
	SendSend
	SendDataSent
	SendDataRecvd
	SendResetSent
	SendResetRecvd
)

var sendStateName = map[SendState]string{
	SendReady:      "Ready",
	SendSend:       "Send",
	SendDataSent:   "DataSent",
	SendDataRecvd:  "DataRecvd",
	SendResetSent:  "ResetSent",
	SendResetRecvd: "ResetRecvd",
}

func (s SendState) String() string {
	n, ok := sendStateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_SEND_STATE_%d", int32(s))
	}
	return n
}

// RecvState is the state of a stream's receiving half (RFC 9000 section 3.2).
type RecvState int32

// Receive half states.
const (
	RecvRecv RecvState = iota
	RecvSizeKnown
	RecvDataRecvd
	RecvDataRead
	RecvResetRecvd
	RecvResetRead
)

var recvStateName = map[RecvState]string{
	RecvRecv:       "Recv",
	RecvSizeKnown:  "SizeKnown",
	RecvDataRecvd:  "DataRecvd",
	RecvDataRead:   "DataRead",
	RecvResetRecvd: "ResetRecvd",
	RecvResetRead:  "ResetRead",
}

func (s RecvState) String() string {
	n, ok := recvStateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_RECV_STATE_%d", int32(s))
	}
	return n
}
