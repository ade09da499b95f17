package recovery

import (
	"log"
	"testing"
	"time"

	"github.com/m-lab/quic/wire"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var t0 = time.Unix(1700000000, 0)

func sent(pn wire.PacketNumber, at time.Time, size int) *SentPacket {
	return &SentPacket{PN: pn, Time: at, Size: size, AckEliciting: true, InFlight: true}
}

func ackOf(pns ...wire.PacketNumber) *wire.AckFrame {
	f := &wire.AckFrame{}
	// Prepending keeps the ranges largest-first for ascending inputs.
	for _, pn := range pns {
		f.Ranges = append([]wire.AckRange{{Smallest: pn, Largest: pn}}, f.Ranges...)
	}
	return f
}

func TestRTTEstimator(t *testing.T) {
	var r RTTEstimator
	if r.SmoothedRTT() != InitialRTT || r.RTTVar() != InitialRTT/2 {
		t.Fatal("pre-sample defaults wrong")
	}
	r.Update(100*time.Millisecond, 0)
	if r.SmoothedRTT() != 100*time.Millisecond || r.RTTVar() != 50*time.Millisecond {
		t.Fatalf("first sample: srtt %v rttvar %v", r.SmoothedRTT(), r.RTTVar())
	}
	if r.MinRTT() != 100*time.Millisecond {
		t.Fatalf("min %v", r.MinRTT())
	}
	// An ack delay that would push the sample below min_rtt is ignored.
	r.Update(105*time.Millisecond, 20*time.Millisecond)
	if r.MinRTT() != 100*time.Millisecond {
		t.Errorf("min moved to %v", r.MinRTT())
	}
	// srtt = 7/8*100 + 1/8*105 = 100.625ms (delay not subtracted).
	if got := r.SmoothedRTT(); got != 100625*time.Microsecond {
		t.Errorf("srtt = %v", got)
	}
	// A delay-adjusted sample still at or above min is subtracted.
	r.Update(140*time.Millisecond, 20*time.Millisecond)
	// adjusted = 120ms.
	want := (7*100625*time.Microsecond + 120*time.Millisecond) / 8
	if got := r.SmoothedRTT(); got != want {
		t.Errorf("srtt = %v, want %v", got, want)
	}
	// min_rtt uses the unadjusted latest.
	r.Update(80*time.Millisecond, 60*time.Millisecond)
	if r.MinRTT() != 80*time.Millisecond {
		t.Errorf("min = %v", r.MinRTT())
	}
}

func TestPacketThresholdLoss(t *testing.T) {
	r := New(wire.ClientSide)
	for pn := wire.PacketNumber(0); pn < 5; pn++ {
		r.OnPacketSent(SpaceAppData, sent(pn, t0.Add(time.Duration(pn)*time.Millisecond), 1000))
	}
	// Ack far enough after sending that the RTT (and with it the time
	// threshold) dwarfs the inter-send spacing; only the packet threshold
	// applies.
	now := t0.Add(304 * time.Millisecond)
	res, err := r.OnAckReceived(SpaceAppData, ackOf(4), 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NewlyAcked) != 1 || res.NewlyAcked[0].PN != 4 {
		t.Fatalf("newly acked %v", res.NewlyAcked)
	}
	// Packets 0 and 1 trail the largest acked by >= 3.
	lostPNs := map[wire.PacketNumber]bool{}
	for _, p := range res.Lost {
		lostPNs[p.PN] = true
	}
	if !lostPNs[0] || !lostPNs[1] || len(lostPNs) != 2 {
		t.Errorf("lost %v", lostPNs)
	}
	// 2 and 3 wait on the time threshold.
	if at, kind := r.NextTimeout(now); kind != TimerLoss || at.IsZero() {
		t.Errorf("timer %v kind %d", at, kind)
	}
}

func TestTimeThresholdLoss(t *testing.T) {
	r := New(wire.ClientSide)
	r.OnPacketSent(SpaceAppData, sent(0, t0, 1000))
	r.OnPacketSent(SpaceAppData, sent(1, t0.Add(5*time.Millisecond), 1000))

	// Ack packet 1; packet 0 is one below the packet threshold and, at
	// ack time, still inside the 9/8 RTT window.
	now := t0.Add(50 * time.Millisecond)
	res, err := r.OnAckReceived(SpaceAppData, ackOf(1), 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lost) != 0 {
		t.Fatalf("premature loss: %v", res.Lost)
	}
	at, kind := r.NextTimeout(now)
	if kind != TimerLoss {
		t.Fatalf("kind %d", kind)
	}
	// Fire the loss timer; packet 0 exceeds 9/8 * rtt since send.
	kind, lost, _ := r.OnTimeout(at.Add(time.Millisecond))
	if kind != TimerLoss || len(lost) != 1 || lost[0].PN != 0 {
		t.Errorf("kind %d lost %v", kind, lost)
	}
}

// The handshake PTO scenario: one Initial packet, no response.  The first
// probe fires at 333ms + 4*166.5ms = 999ms, and backoff doubles.
func TestPTOTiming(t *testing.T) {
	r := New(wire.ClientSide)
	r.OnPacketSent(SpaceInitial, sent(0, t0, 1200))

	at, kind := r.NextTimeout(t0)
	if kind != TimerPTO {
		t.Fatalf("kind %d", kind)
	}
	if want := t0.Add(999 * time.Millisecond); !at.Equal(want) {
		t.Fatalf("first PTO at %v, want %v", at.Sub(t0), want.Sub(t0))
	}

	kind, _, space := r.OnTimeout(at)
	if kind != TimerPTO || space != SpaceInitial {
		t.Fatalf("kind %d space %s", kind, space)
	}
	if r.PTOCount() != 1 {
		t.Fatalf("pto count %d", r.PTOCount())
	}

	// The probe retransmission re-arms with doubled backoff.
	r.OnPacketSent(SpaceInitial, sent(1, at, 1200))
	at2, kind := r.NextTimeout(at)
	if kind != TimerPTO {
		t.Fatalf("kind %d", kind)
	}
	if want := at.Add(2 * 999 * time.Millisecond); !at2.Equal(want) {
		t.Errorf("second PTO at +%v, want +%v", at2.Sub(at), want.Sub(at))
	}
}

func TestPTOBackoffResetOnAck(t *testing.T) {
	r := New(wire.ClientSide)
	r.OnPacketSent(SpaceHandshake, sent(0, t0, 1200))
	at, _ := r.NextTimeout(t0)
	r.OnTimeout(at)
	if r.PTOCount() != 1 {
		t.Fatal("no backoff")
	}
	res, err := r.OnAckReceived(SpaceHandshake, ackOf(0), 0, at.Add(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if !res.RTTUpdated {
		t.Fatal("no RTT sample")
	}
	if r.PTOCount() != 0 {
		t.Errorf("pto count %d after handshake ack", r.PTOCount())
	}
}

func TestClientDoesNotResetBackoffOnInitialAck(t *testing.T) {
	r := New(wire.ClientSide)
	r.OnPacketSent(SpaceInitial, sent(0, t0, 1200))
	at, _ := r.NextTimeout(t0)
	r.OnTimeout(at)
	r.OnPacketSent(SpaceInitial, sent(1, at, 1200))
	res, err := r.OnAckReceived(SpaceInitial, ackOf(0, 1), 0, at.Add(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if !res.RTTUpdated {
		t.Fatal("no RTT sample")
	}
	if r.PTOCount() != 1 {
		t.Errorf("pto count %d, want backoff retained on Initial ack", r.PTOCount())
	}
	// Once the address is validated, the next sample resets it.
	r.SetPeerAddressValidated()
	r.OnPacketSent(SpaceInitial, sent(2, at, 1200))
	res, err = r.OnAckReceived(SpaceInitial, ackOf(2), 0, at.Add(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if r.PTOCount() != 0 {
		t.Errorf("pto count %d after validated ack", r.PTOCount())
	}
}

func TestAppDataPTOWaitsForConfirmation(t *testing.T) {
	r := New(wire.ClientSide)
	r.SetPeerAddressValidated()
	r.OnPacketSent(SpaceAppData, sent(0, t0, 1000))
	if _, kind := r.NextTimeout(t0); kind != TimerNone {
		t.Fatal("PTO armed for app data before handshake confirmation")
	}
	r.SetHandshakeConfirmed()
	if _, kind := r.NextTimeout(t0); kind != TimerPTO {
		t.Fatal("no PTO after confirmation")
	}
}

func TestPersistentCongestion(t *testing.T) {
	r := New(wire.ClientSide)
	r.SetHandshakeConfirmed()

	// Establish an RTT sample first.
	r.OnPacketSent(SpaceAppData, sent(0, t0, 1000))
	if _, err := r.OnAckReceived(SpaceAppData, ackOf(0), 0, t0.Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	// Send packets across a long stretch, none of which get acked, then
	// one that finally does.
	base := t0.Add(time.Second)
	for i := 0; i < 10; i++ {
		r.OnPacketSent(SpaceAppData, sent(wire.PacketNumber(1+i), base.Add(time.Duration(i)*time.Second), 1000))
	}
	fin := sent(11, base.Add(20*time.Second), 1000)
	r.OnPacketSent(SpaceAppData, fin)

	res, err := r.OnAckReceived(SpaceAppData, ackOf(11), 0, base.Add(20*time.Second).Add(30*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lost) == 0 {
		t.Fatal("no losses declared")
	}
	if !res.PersistentCongestion {
		t.Error("persistent congestion not declared")
	}
	// The estimator restarts after persistent congestion.
	if r.RTT.HasSample() {
		t.Error("RTT estimator not reset")
	}
}

func TestDiscardSpace(t *testing.T) {
	r := New(wire.ServerSide)
	r.OnPacketSent(SpaceInitial, sent(0, t0, 1200))
	r.OnPacketSent(SpaceInitial, sent(1, t0, 800))
	if got := r.OutstandingBytes(); got != 2000 {
		t.Fatalf("outstanding %d", got)
	}
	removed := r.DiscardSpace(SpaceInitial)
	if len(removed) != 2 {
		t.Fatalf("removed %d packets", len(removed))
	}
	if got := r.OutstandingBytes(); got != 0 {
		t.Fatalf("outstanding %d after discard", got)
	}
	// Packets "sent" into a discarded space are ignored.
	r.OnPacketSent(SpaceInitial, sent(2, t0, 100))
	if got := r.OutstandingBytes(); got != 0 {
		t.Errorf("discarded space accepted a packet")
	}
	if _, kind := r.NextTimeout(t0); kind != TimerNone {
		t.Error("timer armed after discard")
	}
}

func TestAckForUnsent(t *testing.T) {
	r := New(wire.ClientSide)
	r.OnPacketSent(SpaceAppData, sent(0, t0, 1000))
	if _, err := r.OnAckReceived(SpaceAppData, ackOf(5), 0, t0); err != ErrAckForUnsent {
		t.Errorf("got %v", err)
	}
}
