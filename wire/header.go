package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/m-lab/quic/varint"
)

// PacketType enumerates the QUIC v1 packet types.
type PacketType int

// Packet types.  The long header types are numbered as in the wire
// encoding; OneRTT and VersionNegotiation are synthetic.
const (
	TypeInitial PacketType = iota
	TypeZeroRTT
	TypeHandshake
	TypeRetry
	TypeOneRTT
	TypeVersionNegotiation
)

var packetTypeName = map[PacketType]string{
	TypeInitial:            "Initial",
	TypeZeroRTT:            "0-RTT",
	TypeHandshake:          "Handshake",
	TypeRetry:              "Retry",
	TypeOneRTT:             "1-RTT",
	TypeVersionNegotiation: "VersionNegotiation",
}

func (t PacketType) String() string {
	s, ok := packetTypeName[t]
	if !ok {
		return fmt.Sprintf("UNKNOWN_PACKET_TYPE_%d", int(t))
	}
	return s
}

// Header holds a parsed or to-be-encoded packet header.  For incoming
// packets the PacketNumber, PNLen and KeyPhase fields are only valid after
// header protection has been removed and DecodeProtectedBits applied.
type Header struct {
	Type    PacketType
	Version uint32
	DstID   ConnectionID
	SrcID   ConnectionID

	// Token is the address-validation token of an Initial packet, or the
	// retry token of a Retry packet.
	Token []byte

	// RetryIntegrityTag is the 128-bit tag closing a Retry packet.
	RetryIntegrityTag [16]byte

	// Length is the long-header Length field: packet number plus protected
	// payload, in bytes.
	Length int

	KeyPhase     bool
	SpinBit      bool
	PacketNumber PacketNumber
	PNLen        int
}

// IsLongHeader reports whether the first byte of a datagram starts a long
// header packet.
func IsLongHeader(firstByte byte) bool {
	return firstByte&0x80 != 0
}

// ParseHeaderPrefix parses the unprotected portion of a packet header from
// the start of b.  It returns the header and the offset of the (still
// protected) packet number field.  shortCIDLen is the length of connection
// IDs this endpoint issues, needed to delimit short headers.
//
// For Retry and Version Negotiation packets the whole packet is consumed
// and the returned offset is the total length.
func ParseHeaderPrefix(b []byte, shortCIDLen int) (*Header, int, error) {
	if len(b) < 1 {
		return nil, 0, ErrTruncated
	}
	fb := b[0]
	if !IsLongHeader(fb) {
		if fb&0x40 == 0 {
			// Fixed bit clear: not a QUIC v1 packet (or a stateless reset).
			return nil, 0, ErrInvalidFrame
		}
		if len(b) < 1+shortCIDLen {
			return nil, 0, ErrTruncated
		}
		h := &Header{
			Type:    TypeOneRTT,
			SpinBit: fb&0x20 != 0,
			DstID:   ConnectionID(b[1 : 1+shortCIDLen]),
		}
		return h, 1 + shortCIDLen, nil
	}

	if len(b) < 7 {
		return nil, 0, ErrTruncated
	}
	version := binary.BigEndian.Uint32(b[1:5])
	pos := 5
	dstLen := int(b[pos])
	pos++
	if dstLen > MaxConnectionIDLen && version == Version1 {
		return nil, 0, ErrConnectionIDTooLong
	}
	if len(b) < pos+dstLen+1 {
		return nil, 0, ErrTruncated
	}
	dst := ConnectionID(b[pos : pos+dstLen])
	pos += dstLen
	srcLen := int(b[pos])
	pos++
	if srcLen > MaxConnectionIDLen && version == Version1 {
		return nil, 0, ErrConnectionIDTooLong
	}
	if len(b) < pos+srcLen {
		return nil, 0, ErrTruncated
	}
	src := ConnectionID(b[pos : pos+srcLen])
	pos += srcLen

	h := &Header{Version: version, DstID: dst, SrcID: src}

	if version == 0 {
		h.Type = TypeVersionNegotiation
		return h, len(b), nil
	}
	if version != Version1 {
		return h, pos, ErrUnknownVersion
	}
	if fb&0x40 == 0 {
		return nil, 0, ErrInvalidFrame
	}

	switch (fb >> 4) & 0x3 {
	case 0:
		h.Type = TypeInitial
		tokenLen, n, err := varint.Consume(b[pos:])
		if err != nil {
			return nil, 0, ErrTruncated
		}
		pos += n
		if uint64(len(b)-pos) < tokenLen {
			return nil, 0, ErrTruncated
		}
		h.Token = b[pos : pos+int(tokenLen)]
		pos += int(tokenLen)
	case 1:
		h.Type = TypeZeroRTT
	case 2:
		h.Type = TypeHandshake
	case 3:
		h.Type = TypeRetry
		if len(b) < pos+16 {
			return nil, 0, ErrTruncated
		}
		h.Token = b[pos : len(b)-16]
		copy(h.RetryIntegrityTag[:], b[len(b)-16:])
		return h, len(b), nil
	}

	length, n, err := varint.Consume(b[pos:])
	if err != nil {
		return nil, 0, ErrTruncated
	}
	pos += n
	if length > uint64(len(b)-pos) {
		return nil, 0, ErrTruncated
	}
	h.Length = int(length)
	return h, pos, nil
}

// DecodeProtectedBits applies the decrypted first byte and packet number
// bytes to the header.  largest is the largest packet number processed so
// far in the packet's number space.
func (h *Header) DecodeProtectedBits(fb byte, pnBytes []byte, largest PacketNumber) error {
	if h.Type == TypeOneRTT {
		if fb&0x18 != 0 {
			return ErrInvalidReservedBits
		}
		h.KeyPhase = fb&0x04 != 0
	} else if fb&0x0c != 0 {
		return ErrInvalidReservedBits
	}
	h.PNLen = int(fb&0x03) + 1
	if len(pnBytes) < h.PNLen {
		return ErrTruncated
	}
	var truncated uint64
	for _, c := range pnBytes[:h.PNLen] {
		truncated = truncated<<8 | uint64(c)
	}
	h.PacketNumber = DecodePacketNumber(largest, truncated, h.PNLen)
	return nil
}

// Append encodes the header, including the packet number, to b.
// payloadLen is the length of the protected payload that will follow,
// including the AEAD tag; it is used to fill the long header Length field.
func (h *Header) Append(b []byte, payloadLen int) ([]byte, error) {
	if len(h.DstID) > MaxConnectionIDLen || len(h.SrcID) > MaxConnectionIDLen {
		return nil, ErrConnectionIDTooLong
	}
	if h.PNLen < 1 || h.PNLen > 4 {
		return nil, fmt.Errorf("wire: bad packet number length %d", h.PNLen)
	}
	if h.Type == TypeOneRTT {
		fb := byte(0x40) | byte(h.PNLen-1)
		if h.SpinBit {
			fb |= 0x20
		}
		if h.KeyPhase {
			fb |= 0x04
		}
		b = append(b, fb)
		b = append(b, h.DstID...)
		return AppendPacketNumber(b, h.PacketNumber, h.PNLen), nil
	}

	var typeBits byte
	switch h.Type {
	case TypeInitial:
		typeBits = 0
	case TypeZeroRTT:
		typeBits = 1
	case TypeHandshake:
		typeBits = 2
	default:
		return nil, fmt.Errorf("wire: cannot append %s header with Append", h.Type)
	}
	fb := byte(0xc0) | typeBits<<4 | byte(h.PNLen-1)
	b = append(b, fb)
	b = binary.BigEndian.AppendUint32(b, h.Version)
	b = append(b, byte(len(h.DstID)))
	b = append(b, h.DstID...)
	b = append(b, byte(len(h.SrcID)))
	b = append(b, h.SrcID...)
	if h.Type == TypeInitial {
		b = varint.Append(b, uint64(len(h.Token)))
		b = append(b, h.Token...)
	}
	// Always use the 2 byte length encoding so the header size does not
	// depend on the payload size.
	length := h.PNLen + payloadLen
	b = append(b, 0x40|byte(length>>8), byte(length))
	return AppendPacketNumber(b, h.PacketNumber, h.PNLen), nil
}

// PacketNumberLen returns the smallest truncated encoding length able to
// represent pn unambiguously given the largest acknowledged packet number.
func PacketNumberLen(pn, largestAcked PacketNumber) int {
	var unacked PacketNumber
	if largestAcked == InvalidPacketNumber {
		unacked = pn + 1
	} else {
		unacked = pn - largestAcked
	}
	switch {
	case unacked < 1<<7:
		return 1
	case unacked < 1<<15:
		return 2
	case unacked < 1<<23:
		return 3
	default:
		return 4
	}
}

// AppendPacketNumber appends the low pnLen bytes of pn.
func AppendPacketNumber(b []byte, pn PacketNumber, pnLen int) []byte {
	for i := pnLen - 1; i >= 0; i-- {
		b = append(b, byte(uint64(pn)>>(8*i)))
	}
	return b
}

// DecodePacketNumber recovers a full packet number from its truncated wire
// encoding, per RFC 9000 appendix A.3.
func DecodePacketNumber(largest PacketNumber, truncated uint64, pnLen int) PacketNumber {
	expected := uint64(largest) + 1
	win := uint64(1) << (pnLen * 8)
	hwin := win / 2
	mask := win - 1

	candidate := (expected &^ mask) | truncated
	if candidate+hwin <= expected && candidate < (1<<62)-win {
		return PacketNumber(candidate + win)
	}
	if candidate > expected+hwin && candidate >= win {
		return PacketNumber(candidate - win)
	}
	return PacketNumber(candidate)
}

// RetryPseudoPacket builds the input to the Retry integrity tag: the
// original destination connection ID followed by the Retry packet sans tag.
func RetryPseudoPacket(odcid ConnectionID, version uint32, dst, src ConnectionID, token []byte) []byte {
	b := make([]byte, 0, 1+len(odcid)+7+len(dst)+len(src)+len(token))
	b = append(b, byte(len(odcid)))
	b = append(b, odcid...)
	b = append(b, 0xf0) // Retry first byte: fixed bit plus type, low bits unused
	b = binary.BigEndian.AppendUint32(b, version)
	b = append(b, byte(len(dst)))
	b = append(b, dst...)
	b = append(b, byte(len(src)))
	b = append(b, src...)
	b = append(b, token...)
	return b
}

// RetryPseudoPacketFromWire rebuilds the tag input from a received Retry
// packet, preserving the exact bytes the server sent.  raw is the full
// datagram including the trailing tag.
func RetryPseudoPacketFromWire(odcid ConnectionID, raw []byte) []byte {
	b := make([]byte, 0, 1+len(odcid)+len(raw)-16)
	b = append(b, byte(len(odcid)))
	b = append(b, odcid...)
	return append(b, raw[:len(raw)-16]...)
}

// AppendRetry encodes a Retry packet with the given integrity tag.
func AppendRetry(b []byte, version uint32, dst, src ConnectionID, token []byte, tag [16]byte) []byte {
	b = append(b, 0xf0)
	b = binary.BigEndian.AppendUint32(b, version)
	b = append(b, byte(len(dst)))
	b = append(b, dst...)
	b = append(b, byte(len(src)))
	b = append(b, src...)
	b = append(b, token...)
	return append(b, tag[:]...)
}

// AppendVersionNegotiation encodes a Version Negotiation packet offering
// the given versions.
func AppendVersionNegotiation(b []byte, dst, src ConnectionID, versions ...uint32) []byte {
	b = append(b, 0x80)
	b = append(b, 0, 0, 0, 0)
	b = append(b, byte(len(dst)))
	b = append(b, dst...)
	b = append(b, byte(len(src)))
	b = append(b, src...)
	for _, v := range versions {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// ParseVersionNegotiation extracts the version list from a parsed Version
// Negotiation packet body.  b is the full datagram.
func ParseVersionNegotiation(b []byte) (versions []uint32, err error) {
	// Skip first byte, version, and both connection IDs.
	if len(b) < 7 {
		return nil, ErrTruncated
	}
	pos := 5
	dstLen := int(b[pos])
	pos += 1 + dstLen
	if len(b) < pos+1 {
		return nil, ErrTruncated
	}
	srcLen := int(b[pos])
	pos += 1 + srcLen
	if len(b) < pos || (len(b)-pos)%4 != 0 {
		return nil, ErrTruncated
	}
	for ; pos < len(b); pos += 4 {
		versions = append(versions, binary.BigEndian.Uint32(b[pos:]))
	}
	return versions, nil
}
