package wire

import (
	"log"
	"testing"

	"github.com/go-test/deep"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func TestDecodePacketNumber(t *testing.T) {
	// Example from RFC 9000 appendix A.3.
	if got := DecodePacketNumber(0xa82f30ea, 0x9b32, 2); got != 0xa82f9b32 {
		t.Errorf("DecodePacketNumber = %x, want a82f9b32", got)
	}
	// A truncated value within half a window of the expected number is
	// taken as is, without wrapping.
	if got := DecodePacketNumber(0xabe8bc, 0xac5c02, 3); got != 0xac5c02 {
		t.Errorf("DecodePacketNumber = %x, want ac5c02", got)
	}
}

func TestPacketNumberRoundTrip(t *testing.T) {
	cases := []struct {
		pn, largestAcked PacketNumber
	}{
		{0, InvalidPacketNumber},
		{1, 0},
		{255, 63},
		{10000, 9000},
		{1 << 30, (1 << 30) - 500},
		{0xa82f9b32, 0xa82f30ea},
	}
	for _, c := range cases {
		pnLen := PacketNumberLen(c.pn, c.largestAcked)
		b := AppendPacketNumber(nil, c.pn, pnLen)
		var truncated uint64
		for _, by := range b {
			truncated = truncated<<8 | uint64(by)
		}
		// The receiver's largest processed is at least largestAcked;
		// decoding against largestAcked itself must recover pn.
		got := DecodePacketNumber(c.largestAcked, truncated, pnLen)
		if got != c.pn {
			t.Errorf("decode(encode(%d, largest %d)) = %d", c.pn, c.largestAcked, got)
		}
	}
}

func TestLongHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Type:         TypeInitial,
		Version:      Version1,
		DstID:        ConnectionID{1, 2, 3, 4, 5, 6, 7, 8},
		SrcID:        ConnectionID{9, 10, 11, 12},
		Token:        []byte("tok"),
		PacketNumber: 7,
		PNLen:        2,
	}
	payloadLen := 100
	b, err := h.Append(nil, payloadLen)
	if err != nil {
		t.Fatal(err)
	}
	// Pad out to the declared length so the prefix parser sees a complete packet.
	b = append(b, make([]byte, payloadLen)...)

	got, pnOffset, err := ParseHeaderPrefix(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeInitial || got.Version != Version1 {
		t.Errorf("parsed %s v%d", got.Type, got.Version)
	}
	if diff := deep.Equal(got.DstID, h.DstID); diff != nil {
		t.Error(diff)
	}
	if diff := deep.Equal(got.SrcID, h.SrcID); diff != nil {
		t.Error(diff)
	}
	if string(got.Token) != "tok" {
		t.Errorf("token %q", got.Token)
	}
	if got.Length != h.PNLen+payloadLen {
		t.Errorf("length %d, want %d", got.Length, h.PNLen+payloadLen)
	}
	if err := got.DecodeProtectedBits(b[0], b[pnOffset:], InvalidPacketNumber); err != nil {
		t.Fatal(err)
	}
	if got.PacketNumber != 7 || got.PNLen != 2 {
		t.Errorf("pn %d len %d", got.PacketNumber, got.PNLen)
	}
}

func TestShortHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Type:         TypeOneRTT,
		DstID:        ConnectionID{0xde, 0xad, 0xbe, 0xef},
		KeyPhase:     true,
		PacketNumber: 0x1234,
		PNLen:        2,
	}
	b, err := h.Append(nil, 64)
	if err != nil {
		t.Fatal(err)
	}
	got, pnOffset, err := ParseHeaderPrefix(b, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeOneRTT {
		t.Fatalf("type %s", got.Type)
	}
	if diff := deep.Equal(got.DstID, h.DstID); diff != nil {
		t.Error(diff)
	}
	if err := got.DecodeProtectedBits(b[0], b[pnOffset:], 0x1200); err != nil {
		t.Fatal(err)
	}
	if !got.KeyPhase {
		t.Error("key phase lost")
	}
	if got.PacketNumber != 0x1234 {
		t.Errorf("pn %x", got.PacketNumber)
	}
}

func TestReservedBits(t *testing.T) {
	h := &Header{Type: TypeOneRTT, DstID: ConnectionID{1}, PacketNumber: 1, PNLen: 1}
	b, err := h.Append(nil, 32)
	if err != nil {
		t.Fatal(err)
	}
	got, pnOffset, err := ParseHeaderPrefix(b, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := got.DecodeProtectedBits(b[0]|0x08, b[pnOffset:], 0); err != ErrInvalidReservedBits {
		t.Errorf("reserved bits accepted: %v", err)
	}
}

func TestVersionNegotiation(t *testing.T) {
	dst := ConnectionID{1, 2}
	src := ConnectionID{3, 4, 5}
	b := AppendVersionNegotiation(nil, dst, src, Version1, 0xff00001d)
	h, n, err := ParseHeaderPrefix(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != TypeVersionNegotiation || n != len(b) {
		t.Fatalf("type %s consumed %d of %d", h.Type, n, len(b))
	}
	versions, err := ParseVersionNegotiation(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(versions, []uint32{Version1, 0xff00001d}); diff != nil {
		t.Error(diff)
	}
}

func TestUnknownVersion(t *testing.T) {
	h := &Header{
		Type: TypeInitial, Version: 0x5a5a5a5a,
		DstID: ConnectionID{1}, SrcID: ConnectionID{2},
		PacketNumber: 0, PNLen: 1,
	}
	b, err := h.Append(nil, 20)
	if err != nil {
		t.Fatal(err)
	}
	// Patch the version field.
	b[1], b[2], b[3], b[4] = 0x5a, 0x5a, 0x5a, 0x5a
	if _, _, err := ParseHeaderPrefix(b, 0); err != ErrUnknownVersion {
		t.Errorf("got %v, want ErrUnknownVersion", err)
	}
}

func TestHeaderTruncation(t *testing.T) {
	h := &Header{
		Type: TypeHandshake, Version: Version1,
		DstID: ConnectionID{1, 2, 3}, SrcID: ConnectionID{4},
		PacketNumber: 99, PNLen: 1,
	}
	full, err := h.Append(nil, 50)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(full); i++ {
		if _, _, err := ParseHeaderPrefix(full[:i], 0); err == nil {
			t.Errorf("prefix of %d bytes parsed without error", i)
		}
	}
}
