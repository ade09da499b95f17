package wire

import (
	"time"

	"github.com/m-lab/quic/varint"
)

// Frame type identifiers (RFC 9000 section 19).
const (
	FrameTypePadding            uint64 = 0x00
	FrameTypePing               uint64 = 0x01
	FrameTypeAck                uint64 = 0x02
	FrameTypeAckECN             uint64 = 0x03
	FrameTypeResetStream        uint64 = 0x04
	FrameTypeStopSending        uint64 = 0x05
	FrameTypeCrypto             uint64 = 0x06
	FrameTypeNewToken           uint64 = 0x07
	FrameTypeStreamBase         uint64 = 0x08 // 0x08-0x0f with OFF/LEN/FIN bits
	FrameTypeMaxData            uint64 = 0x10
	FrameTypeMaxStreamData      uint64 = 0x11
	FrameTypeMaxStreamsBidi     uint64 = 0x12
	FrameTypeMaxStreamsUni      uint64 = 0x13
	FrameTypeDataBlocked        uint64 = 0x14
	FrameTypeStreamDataBlocked  uint64 = 0x15
	FrameTypeStreamsBlockedBidi uint64 = 0x16
	FrameTypeStreamsBlockedUni  uint64 = 0x17
	FrameTypeNewConnectionID    uint64 = 0x18
	FrameTypeRetireConnectionID uint64 = 0x19
	FrameTypePathChallenge      uint64 = 0x1a
	FrameTypePathResponse       uint64 = 0x1b
	FrameTypeConnectionClose    uint64 = 0x1c
	FrameTypeConnectionCloseApp uint64 = 0x1d
	FrameTypeHandshakeDone      uint64 = 0x1e
)

// Frame is one decoded QUIC frame.
type Frame interface {
	// Append encodes the frame at the end of b.
	Append(b []byte) []byte
}

// IsAckEliciting reports whether receipt of the frame requires an
// acknowledgment.
func IsAckEliciting(f Frame) bool {
	switch f.(type) {
	case *AckFrame, *PaddingFrame, *ConnectionCloseFrame:
		return false
	}
	return true
}

// IsProbing reports whether the frame may appear in a path probe without
// signalling migration.
func IsProbing(f Frame) bool {
	switch f.(type) {
	case *PathChallengeFrame, *PathResponseFrame, *NewConnectionIDFrame, *PaddingFrame:
		return true
	}
	return false
}

// PaddingFrame represents a run of PADDING bytes.
type PaddingFrame struct {
	Length int
}

func (f *PaddingFrame) Append(b []byte) []byte {
	for i := 0; i < f.Length; i++ {
		b = append(b, 0)
	}
	return b
}

// PingFrame elicits an acknowledgment and nothing else.
type PingFrame struct{}

func (f *PingFrame) Append(b []byte) []byte {
	return varint.Append(b, FrameTypePing)
}

// AckRange is a contiguous run of acknowledged packet numbers.
type AckRange struct {
	Smallest PacketNumber
	Largest  PacketNumber
}

// AckFrame acknowledges received packets.  Ranges are ordered from the
// largest packet number down and must not overlap.  DelayRaw is the wire
// value; callers scale it with the peer's ack_delay_exponent.
type AckFrame struct {
	Ranges   []AckRange
	DelayRaw uint64

	HasECN bool
	ECT0   uint64
	ECT1   uint64
	CE     uint64
}

// LargestAcked returns the largest packet number the frame acknowledges.
func (f *AckFrame) LargestAcked() PacketNumber {
	return f.Ranges[0].Largest
}

// AcksPacket reports whether pn is covered by one of the frame's ranges.
func (f *AckFrame) AcksPacket(pn PacketNumber) bool {
	for _, r := range f.Ranges {
		if pn > r.Largest {
			return false
		}
		if pn >= r.Smallest {
			return true
		}
	}
	return false
}

// Delay converts the wire delay value using the peer's ack_delay_exponent.
func (f *AckFrame) Delay(exponent uint8) time.Duration {
	return time.Duration(f.DelayRaw<<exponent) * time.Microsecond
}

// EncodeAckDelay converts a delay duration to the wire value for the given
// local ack_delay_exponent.
func EncodeAckDelay(d time.Duration, exponent uint8) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d/time.Microsecond) >> exponent
}

func (f *AckFrame) Append(b []byte) []byte {
	t := FrameTypeAck
	if f.HasECN {
		t = FrameTypeAckECN
	}
	b = varint.Append(b, t)
	b = varint.Append(b, uint64(f.Ranges[0].Largest))
	b = varint.Append(b, f.DelayRaw)
	b = varint.Append(b, uint64(len(f.Ranges)-1))
	b = varint.Append(b, uint64(f.Ranges[0].Largest-f.Ranges[0].Smallest))
	prevSmallest := f.Ranges[0].Smallest
	for _, r := range f.Ranges[1:] {
		b = varint.Append(b, uint64(prevSmallest-r.Largest-2))
		b = varint.Append(b, uint64(r.Largest-r.Smallest))
		prevSmallest = r.Smallest
	}
	if f.HasECN {
		b = varint.Append(b, f.ECT0)
		b = varint.Append(b, f.ECT1)
		b = varint.Append(b, f.CE)
	}
	return b
}

// ResetStreamFrame abruptly terminates the sending part of a stream.
type ResetStreamFrame struct {
	ID        StreamID
	Code      uint64
	FinalSize uint64
}

func (f *ResetStreamFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeResetStream)
	b = varint.Append(b, uint64(f.ID))
	b = varint.Append(b, f.Code)
	return varint.Append(b, f.FinalSize)
}

// StopSendingFrame asks the peer to stop sending on a stream.
type StopSendingFrame struct {
	ID   StreamID
	Code uint64
}

func (f *StopSendingFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeStopSending)
	b = varint.Append(b, uint64(f.ID))
	return varint.Append(b, f.Code)
}

// CryptoFrame carries TLS handshake bytes.
type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

func (f *CryptoFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeCrypto)
	b = varint.Append(b, f.Offset)
	b = varint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

// NewTokenFrame delivers an address-validation token for future
// connections.
type NewTokenFrame struct {
	Token []byte
}

func (f *NewTokenFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeNewToken)
	b = varint.Append(b, uint64(len(f.Token)))
	return append(b, f.Token...)
}

// StreamFrame carries application data for one stream.
type StreamFrame struct {
	ID     StreamID
	Offset uint64
	Data   []byte
	Fin    bool

	// DataLenPresent controls whether the LEN bit is set on encode.  A
	// frame without an explicit length extends to the end of the packet.
	DataLenPresent bool
}

func (f *StreamFrame) Append(b []byte) []byte {
	t := FrameTypeStreamBase
	if f.Offset > 0 {
		t |= 0x04
	}
	if f.DataLenPresent {
		t |= 0x02
	}
	if f.Fin {
		t |= 0x01
	}
	b = varint.Append(b, t)
	b = varint.Append(b, uint64(f.ID))
	if f.Offset > 0 {
		b = varint.Append(b, f.Offset)
	}
	if f.DataLenPresent {
		b = varint.Append(b, uint64(len(f.Data)))
	}
	return append(b, f.Data...)
}

// EncodedSize returns the encoded size of the frame.
func (f *StreamFrame) EncodedSize() int {
	n := varint.Len(FrameTypeStreamBase) + varint.Len(uint64(f.ID))
	if f.Offset > 0 {
		n += varint.Len(f.Offset)
	}
	if f.DataLenPresent {
		n += varint.Len(uint64(len(f.Data)))
	}
	return n + len(f.Data)
}

// MaxDataFrame raises the connection-level flow control limit.
type MaxDataFrame struct {
	Max uint64
}

func (f *MaxDataFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeMaxData)
	return varint.Append(b, f.Max)
}

// MaxStreamDataFrame raises a stream's flow control limit.
type MaxStreamDataFrame struct {
	ID  StreamID
	Max uint64
}

func (f *MaxStreamDataFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeMaxStreamData)
	b = varint.Append(b, uint64(f.ID))
	return varint.Append(b, f.Max)
}

// MaxStreamsFrame raises the cumulative stream count limit for one stream
// type.
type MaxStreamsFrame struct {
	Bidi bool
	Max  uint64
}

func (f *MaxStreamsFrame) Append(b []byte) []byte {
	t := FrameTypeMaxStreamsUni
	if f.Bidi {
		t = FrameTypeMaxStreamsBidi
	}
	b = varint.Append(b, t)
	return varint.Append(b, f.Max)
}

// DataBlockedFrame reports that the sender is blocked on connection-level
// flow control.
type DataBlockedFrame struct {
	Limit uint64
}

func (f *DataBlockedFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeDataBlocked)
	return varint.Append(b, f.Limit)
}

// StreamDataBlockedFrame reports that the sender is blocked on a stream's
// flow control limit.
type StreamDataBlockedFrame struct {
	ID    StreamID
	Limit uint64
}

func (f *StreamDataBlockedFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeStreamDataBlocked)
	b = varint.Append(b, uint64(f.ID))
	return varint.Append(b, f.Limit)
}

// StreamsBlockedFrame reports that the sender wants to open more streams
// than the peer allows.
type StreamsBlockedFrame struct {
	Bidi  bool
	Limit uint64
}

func (f *StreamsBlockedFrame) Append(b []byte) []byte {
	t := FrameTypeStreamsBlockedUni
	if f.Bidi {
		t = FrameTypeStreamsBlockedBidi
	}
	b = varint.Append(b, t)
	return varint.Append(b, f.Limit)
}

// NewConnectionIDFrame supplies the peer with a new connection ID.
type NewConnectionIDFrame struct {
	Sequence      uint64
	RetirePriorTo uint64
	ID            ConnectionID
	Token         StatelessResetToken
}

func (f *NewConnectionIDFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeNewConnectionID)
	b = varint.Append(b, f.Sequence)
	b = varint.Append(b, f.RetirePriorTo)
	b = append(b, byte(len(f.ID)))
	b = append(b, f.ID...)
	return append(b, f.Token[:]...)
}

// RetireConnectionIDFrame retires a connection ID issued by the peer.
type RetireConnectionIDFrame struct {
	Sequence uint64
}

func (f *RetireConnectionIDFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypeRetireConnectionID)
	return varint.Append(b, f.Sequence)
}

// PathChallengeFrame probes a path for reachability.
type PathChallengeFrame struct {
	Data [8]byte
}

func (f *PathChallengeFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypePathChallenge)
	return append(b, f.Data[:]...)
}

// PathResponseFrame answers a PATH_CHALLENGE.
type PathResponseFrame struct {
	Data [8]byte
}

func (f *PathResponseFrame) Append(b []byte) []byte {
	b = varint.Append(b, FrameTypePathResponse)
	return append(b, f.Data[:]...)
}

// ConnectionCloseFrame reports connection termination.  IsApp selects the
// 0x1d application variant, which omits the frame type field.
type ConnectionCloseFrame struct {
	IsApp     bool
	Code      uint64
	FrameType uint64
	Reason    string
}

func (f *ConnectionCloseFrame) Append(b []byte) []byte {
	if f.IsApp {
		b = varint.Append(b, FrameTypeConnectionCloseApp)
	} else {
		b = varint.Append(b, FrameTypeConnectionClose)
	}
	b = varint.Append(b, f.Code)
	if !f.IsApp {
		b = varint.Append(b, f.FrameType)
	}
	b = varint.Append(b, uint64(len(f.Reason)))
	return append(b, f.Reason...)
}

// HandshakeDoneFrame confirms the handshake to the client.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Append(b []byte) []byte {
	return varint.Append(b, FrameTypeHandshakeDone)
}
