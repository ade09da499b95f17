package path

import (
	"log"
	"net"
	"testing"
	"time"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	localAddr  = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
	remoteAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
)

func TestAntiAmplification(t *testing.T) {
	p := New(localAddr, remoteAddr, 1500)
	if p.State() != Pending {
		t.Fatalf("state %s", p.State())
	}
	p.OnReceive(1200)
	if got := p.SendBudget(); got != 3600 {
		t.Fatalf("budget %d, want 3600", got)
	}
	p.OnSend(3600)
	if p.State() != AmplificationLimited {
		t.Fatalf("state %s after exhausting budget", p.State())
	}
	// More receipt reopens the budget.
	p.OnReceive(100)
	if p.State() != Pending || p.SendBudget() != 300 {
		t.Fatalf("state %s budget %d", p.State(), p.SendBudget())
	}
	// Validation lifts the cap.
	p.MarkValidated()
	if p.SendBudget() < 1<<29 {
		t.Error("validated path still capped")
	}
}

func TestChallengeResponse(t *testing.T) {
	now := time.Unix(1700000000, 0)
	p := New(localAddr, remoteAddr, 1500)

	data, ok := p.Challenge(now, time.Second)
	if !ok {
		t.Fatal("no challenge issued")
	}
	// No retransmission before the interval.
	if _, ok := p.Challenge(now.Add(100*time.Millisecond), time.Second); ok {
		t.Fatal("premature retransmission")
	}
	// A wrong response does not validate.
	var wrong [8]byte
	wrong[0] = data[0] ^ 1
	if p.OnResponse(wrong) {
		t.Fatal("wrong response accepted")
	}
	if !p.OnResponse(data) {
		t.Fatal("matching response rejected")
	}
	if p.State() != Validated {
		t.Fatalf("state %s", p.State())
	}
	// No further challenges once validated.
	if _, ok := p.Challenge(now.Add(2*time.Second), time.Second); ok {
		t.Error("challenge after validation")
	}
}

func TestChallengeGivesUp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	p := New(localAddr, remoteAddr, 1500)
	p.Challenge(now, time.Second)
	for i := 0; i < maxChallengeRetries; i++ {
		now = now.Add(time.Second)
		if _, ok := p.Challenge(now, time.Second); !ok {
			t.Fatalf("retry %d refused", i)
		}
	}
	now = now.Add(time.Second)
	if _, ok := p.Challenge(now, time.Second); ok {
		t.Fatal("challenge after retry limit")
	}
	if p.State() != Failed {
		t.Fatalf("state %s", p.State())
	}
}

func TestMTUDiscovery(t *testing.T) {
	var m MTUController
	m.init(1500)
	if m.Current() != BaseMTU {
		t.Fatalf("initial MTU %d", m.Current())
	}

	// First probe is the well-known Ethernet payload size.
	size, ok := m.NextProbeSize()
	if !ok || size != FirstProbeMTU {
		t.Fatalf("first probe %d ok=%v", size, ok)
	}
	// Only one probe outstanding at a time.
	if _, ok := m.NextProbeSize(); ok {
		t.Fatal("second probe while first outstanding")
	}
	m.OnProbeAcked(size)
	if m.Current() != FirstProbeMTU {
		t.Fatalf("MTU %d after ack", m.Current())
	}

	// Search continues toward the ceiling by bisection.
	size2, ok := m.NextProbeSize()
	if !ok || size2 != (1472+1500+1)/2 {
		t.Fatalf("second probe %d", size2)
	}
	m.OnProbeAcked(size2)
	// The window is now tighter than the search cutoff.
	if _, ok := m.NextProbeSize(); ok {
		t.Error("probing past convergence")
	}
	if m.Current() != size2 {
		t.Errorf("final MTU %d", m.Current())
	}
}

func TestMTUProbeLoss(t *testing.T) {
	var m MTUController
	m.init(5000)
	size, _ := m.NextProbeSize()
	for i := 0; i < probeLossLimit; i++ {
		m.OnProbeLost(size)
		if i < probeLossLimit-1 {
			s, ok := m.NextProbeSize()
			if !ok || s != size {
				t.Fatalf("retry %d: size %d ok=%v", i, s, ok)
			}
		}
	}
	// After repeated losses the ceiling drops below the failed size.
	next, ok := m.NextProbeSize()
	if !ok || next >= size {
		t.Fatalf("next probe %d not below failed %d", next, size)
	}
	// MTU never dropped below what was validated.
	if m.Current() != BaseMTU {
		t.Errorf("current %d", m.Current())
	}
}
