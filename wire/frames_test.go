package wire

import (
	"testing"
	"time"

	"github.com/go-test/deep"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	b := f.Append(nil)
	got, n, err := ParseFrame(b)
	if err != nil {
		t.Fatalf("ParseFrame(% x): %v", b, err)
	}
	if n != len(b) {
		t.Fatalf("ParseFrame consumed %d of %d bytes", n, len(b))
	}
	return got
}

func TestFrameRoundTrips(t *testing.T) {
	frames := []Frame{
		&PingFrame{},
		&AckFrame{Ranges: []AckRange{{Smallest: 90, Largest: 100}, {Smallest: 5, Largest: 80}}, DelayRaw: 31},
		&AckFrame{Ranges: []AckRange{{Smallest: 0, Largest: 0}}, DelayRaw: 0, HasECN: true, ECT0: 3, ECT1: 0, CE: 1},
		&ResetStreamFrame{ID: 4, Code: 77, FinalSize: 1 << 20},
		&StopSendingFrame{ID: 8, Code: 3},
		&CryptoFrame{Offset: 1200, Data: []byte("client hello")},
		&NewTokenFrame{Token: []byte{1, 2, 3}},
		&StreamFrame{ID: 0, Data: []byte("hello"), DataLenPresent: true},
		&StreamFrame{ID: 12, Offset: 4096, Data: []byte("world"), Fin: true, DataLenPresent: true},
		&MaxDataFrame{Max: 1 << 30},
		&MaxStreamDataFrame{ID: 4, Max: 1 << 16},
		&MaxStreamsFrame{Bidi: true, Max: 100},
		&MaxStreamsFrame{Bidi: false, Max: 3},
		&DataBlockedFrame{Limit: 999},
		&StreamDataBlockedFrame{ID: 4, Limit: 888},
		&StreamsBlockedFrame{Bidi: true, Limit: 100},
		&NewConnectionIDFrame{Sequence: 3, RetirePriorTo: 1,
			ID:    ConnectionID{9, 9, 9, 9},
			Token: StatelessResetToken{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
		&RetireConnectionIDFrame{Sequence: 2},
		&PathChallengeFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&PathResponseFrame{Data: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		&ConnectionCloseFrame{Code: uint64(FlowControlError), FrameType: FrameTypeStreamBase, Reason: "over limit"},
		&ConnectionCloseFrame{IsApp: true, Code: 42, Reason: "done"},
		&HandshakeDoneFrame{},
	}
	for _, f := range frames {
		got := roundTrip(t, f)
		if diff := deep.Equal(got, f); diff != nil {
			t.Errorf("%T: %v", f, diff)
		}
	}
}

func TestPaddingRuns(t *testing.T) {
	b := make([]byte, 17)
	f, n, err := ParseFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 17 {
		t.Errorf("consumed %d, want 17", n)
	}
	pad, ok := f.(*PaddingFrame)
	if !ok || pad.Length != 17 {
		t.Errorf("got %#v", f)
	}
}

func TestStreamFrameWithoutLength(t *testing.T) {
	f := &StreamFrame{ID: 4, Offset: 10, Data: []byte("tail"), Fin: true}
	b := f.Append(nil)
	got, n, err := ParseFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Errorf("consumed %d of %d", n, len(b))
	}
	sf := got.(*StreamFrame)
	if string(sf.Data) != "tail" || !sf.Fin || sf.DataLenPresent {
		t.Errorf("got %#v", sf)
	}
}

func TestAckDelayScaling(t *testing.T) {
	f := &AckFrame{Ranges: []AckRange{{Smallest: 0, Largest: 1}}}
	f.DelayRaw = EncodeAckDelay(25*time.Millisecond, 3)
	if d := f.Delay(3); d != 25*time.Millisecond {
		t.Errorf("delay round trip = %v", d)
	}
}

func TestAcksPacket(t *testing.T) {
	f := &AckFrame{Ranges: []AckRange{{Smallest: 90, Largest: 100}, {Smallest: 5, Largest: 80}}}
	for _, pn := range []PacketNumber{5, 80, 90, 100, 95} {
		if !f.AcksPacket(pn) {
			t.Errorf("AcksPacket(%d) = false", pn)
		}
	}
	for _, pn := range []PacketNumber{4, 81, 89, 101} {
		if f.AcksPacket(pn) {
			t.Errorf("AcksPacket(%d) = true", pn)
		}
	}
}

func TestInvalidFrames(t *testing.T) {
	cases := []struct {
		name string
		b    []byte
	}{
		{"unknown type", []byte{0x21}},
		{"truncated ACK", []byte{0x02, 0x10}},
		{"ACK first range underflow", (&AckFrame{Ranges: []AckRange{{Smallest: -6, Largest: 4}}}).Append(nil)},
		{"NEW_CONNECTION_ID zero length ID", []byte{0x18, 0x01, 0x00, 0x00}},
		{"NEW_CONNECTION_ID retire after seq", []byte{0x18, 0x01, 0x02}},
		{"empty NEW_TOKEN", []byte{0x07, 0x00}},
		{"short PATH_CHALLENGE", []byte{0x1a, 1, 2, 3}},
	}
	for _, c := range cases {
		if _, _, err := ParseFrame(c.b); err == nil {
			t.Errorf("%s: parsed without error", c.name)
		}
	}
}

func TestParsePayload(t *testing.T) {
	var b []byte
	b = (&PingFrame{}).Append(b)
	b = (&MaxDataFrame{Max: 10}).Append(b)
	b = (&PaddingFrame{Length: 3}).Append(b)
	frames, err := ParsePayload(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames", len(frames))
	}
	if _, err := ParsePayload(nil); err == nil {
		t.Error("empty payload accepted")
	}
}
