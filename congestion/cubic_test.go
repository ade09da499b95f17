package congestion

import (
	"log"
	"math"
	"testing"
	"time"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

const mds = 1200

func TestInitialWindow(t *testing.T) {
	if w := InitialWindow(mds); w != 10*mds {
		t.Errorf("InitialWindow(%d) = %d, want %d", mds, w, 10*mds)
	}
	// Large datagrams are capped by the byte floor.
	if w := InitialWindow(1500); w != 14720 {
		t.Errorf("InitialWindow(1500) = %d, want 14720", w)
	}
	if w := MinimumWindow(mds); w != 2*mds {
		t.Errorf("MinimumWindow = %d", w)
	}
}

func TestSlowStart(t *testing.T) {
	c := NewCubic(mds)
	now := time.Unix(1700000000, 0)
	start := c.CWND()

	c.OnPacketSent(now, 0, mds)
	if c.BytesInFlight() != mds {
		t.Fatalf("bytes in flight %d", c.BytesInFlight())
	}
	c.OnAck(now.Add(30*time.Millisecond), 0, mds, now, 30*time.Millisecond)
	if c.BytesInFlight() != 0 {
		t.Fatalf("bytes in flight %d after ack", c.BytesInFlight())
	}
	if c.CWND() != start+mds {
		t.Errorf("cwnd %d after slow start ack, want %d", c.CWND(), start+mds)
	}
}

func TestLossHalvesWindow(t *testing.T) {
	c := NewCubic(mds)
	now := time.Unix(1700000000, 0)
	// Grow a bit first.
	for pn := 0; pn < 20; pn++ {
		c.OnPacketSent(now, 0, mds)
		c.OnAck(now, 0, mds, now.Add(-30*time.Millisecond), 30*time.Millisecond)
	}
	before := c.CWND()
	c.OnPacketSent(now, 21, mds)
	c.OnLoss(now, 21, mds, now.Add(-10*time.Millisecond))

	want := int(float64(before) * betaCubic)
	if c.CWND() != want {
		t.Errorf("cwnd after loss = %d, want %d", c.CWND(), want)
	}
	if c.Ssthresh() != want {
		t.Errorf("ssthresh = %d, want %d", c.Ssthresh(), want)
	}
	if !c.InRecovery() {
		t.Error("not in recovery after loss")
	}
	if c.CWND() < MinimumWindow(mds) {
		t.Error("cwnd below minimum window")
	}

	// A second loss of a packet sent before recovery started must not
	// shrink the window again.
	c.OnPacketSent(now, 22, mds)
	c.OnLoss(now.Add(time.Millisecond), 22, mds, now.Add(-5*time.Millisecond))
	if c.CWND() != want {
		t.Errorf("second pre-recovery loss changed cwnd to %d", c.CWND())
	}

	// Recovery ends when a packet sent after its start is acked.
	sent := now.Add(time.Second)
	c.OnPacketSent(sent, 23, mds)
	c.OnAck(sent.Add(30*time.Millisecond), 23, mds, sent, 30*time.Millisecond)
	if c.InRecovery() {
		t.Error("still in recovery after post-recovery ack")
	}
}

func TestPersistentCongestion(t *testing.T) {
	c := NewCubic(mds)
	now := time.Unix(1700000000, 0)
	c.OnPacketSent(now, 0, mds)
	c.OnPersistentCongestion()
	if c.CWND() != MinimumWindow(mds) {
		t.Errorf("cwnd = %d, want minimum %d", c.CWND(), MinimumWindow(mds))
	}
}

func TestFastConvergence(t *testing.T) {
	c := NewCubic(mds)
	now := time.Unix(1700000000, 0)

	c.OnPacketSent(now, 0, mds)
	c.OnLoss(now, 0, mds, now)
	firstWMax := c.wMax

	// Exit recovery, then lose again at a smaller window.
	sent := now.Add(time.Second)
	c.OnPacketSent(sent, 1, mds)
	c.OnAck(sent.Add(time.Millisecond), 1, mds, sent, 30*time.Millisecond)
	sent2 := now.Add(2 * time.Second)
	c.OnPacketSent(sent2, 2, mds)
	c.OnLoss(sent2.Add(time.Millisecond), 2, mds, sent2)

	if c.wMax >= firstWMax {
		t.Errorf("wMax %f did not shrink from %f", c.wMax, firstWMax)
	}
	// Fast convergence scales the remembered maximum down further.
	if c.wMax >= c.wLastMax {
		t.Errorf("fast convergence did not apply: wMax %f >= wLastMax %f", c.wMax, c.wLastMax)
	}
}

func TestCongestionAvoidanceGrowth(t *testing.T) {
	c := NewCubic(mds)
	now := time.Unix(1700000000, 0)
	// Force congestion avoidance with a known window.
	c.OnPacketSent(now, 0, mds)
	c.OnLoss(now, 0, mds, now)
	cwnd := c.CWND()
	srtt := 30 * time.Millisecond

	// Ack a full window's worth of post-recovery packets repeatedly; the
	// window must grow, but never faster than one datagram per window.
	for round := 0; round < 50; round++ {
		now = now.Add(srtt)
		before := c.CWND()
		acked := 0
		for acked+mds <= before {
			sent := now.Add(-srtt)
			c.OnPacketSent(sent, 0, mds)
			c.OnAck(now, 0, mds, sent.Add(time.Millisecond), srtt)
			acked += mds
		}
		if growth := c.CWND() - before; growth > mds+mds/10 {
			t.Fatalf("round %d: cwnd grew %d bytes in one RTT", round, growth)
		}
	}
	if c.CWND() <= cwnd {
		t.Errorf("cwnd did not grow in congestion avoidance: %d", c.CWND())
	}
	if c.Ssthresh() == math.MaxInt32 {
		t.Error("ssthresh untouched after loss")
	}
}

func TestMTUUpdate(t *testing.T) {
	c := NewCubic(mds)
	w := c.CWND()
	c.OnMTUUpdate(1400, false)
	if c.CWND() < w {
		t.Error("cwnd shrank on MTU increase")
	}
	c.OnMTUUpdate(1200, true)
	if c.CWND() != InitialWindow(1200) {
		t.Errorf("cwnd = %d after forced decrease, want initial", c.CWND())
	}
}

func TestPacer(t *testing.T) {
	cwnd := 12000
	srtt := 100 * time.Millisecond
	p := NewPacer(mds, func() (int, time.Duration) { return cwnd, srtt })
	now := time.Unix(1700000000, 0)

	// The initial budget allows a full burst.
	if !p.CanSend(now, mds) {
		t.Fatal("pacer blocked the first packet")
	}
	sentBytes := 0
	for p.CanSend(now, mds) {
		p.OnSent(now, mds)
		sentBytes += mds
	}
	if sentBytes > InitialWindow(mds) {
		t.Errorf("initial burst %d exceeds initial window", sentBytes)
	}
	if d := p.TimeUntilSend(now, mds); d <= 0 {
		t.Fatal("pacer did not require waiting after burst")
	}

	// rate = 1.25 * 12000 / 0.1s = 150000 B/s; one datagram refills in
	// mds/150000 s = 8ms.
	if !p.CanSend(now.Add(10*time.Millisecond), mds) {
		t.Error("pacer still blocked after refill interval")
	}
}

func TestAppLimited(t *testing.T) {
	c := NewCubic(mds)
	now := time.Unix(1700000000, 0)
	w := c.CWND()
	c.OnAppLimited()
	c.OnPacketSent(now, 0, mds)
	c.OnAck(now.Add(time.Millisecond), 0, mds, now, 30*time.Millisecond)
	if c.CWND() != w {
		t.Errorf("app-limited ack grew cwnd to %d", c.CWND())
	}
}
