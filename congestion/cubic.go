package congestion

import (
	"math"
	"time"

	"github.com/m-lab/quic/wire"
)

// CUBIC constants from RFC 8312.
const (
	betaCubic = 0.7
	cCubic    = 0.4
)

// Cubic is the default congestion controller.
type Cubic struct {
	maxDatagramSize int

	cwnd          int
	ssthresh      int
	bytesInFlight int

	// recoveryStart is the time the current recovery period began; packets
	// sent at or before it do not trigger a new congestion event.
	recoveryStart time.Time
	inRecovery    bool

	// CUBIC epoch state.  epochStart is zero between congestion events and
	// set on the first congestion-avoidance ack of a new epoch.
	epochStart time.Time
	wMax       float64 // window at the last congestion event, bytes
	wLastMax   float64
	k          float64 // seconds until the cubic function regains wMax

	appLimited bool
}

// NewCubic builds a CUBIC controller for the given datagram size.
func NewCubic(maxDatagramSize int) *Cubic {
	return &Cubic{
		maxDatagramSize: maxDatagramSize,
		cwnd:            InitialWindow(maxDatagramSize),
		ssthresh:        math.MaxInt32,
	}
}

// CWND returns the current congestion window in bytes.
func (c *Cubic) CWND() int {
	return c.cwnd
}

// BytesInFlight returns the bytes currently unacknowledged and counted.
func (c *Cubic) BytesInFlight() int {
	return c.bytesInFlight
}

// CanSend reports whether the window has room for another packet.
func (c *Cubic) CanSend() bool {
	return c.bytesInFlight < c.cwnd
}

// Ssthresh exposes the slow start threshold for tests and tracing.
func (c *Cubic) Ssthresh() int {
	return c.ssthresh
}

// InRecovery reports whether the controller is inside a recovery period.
func (c *Cubic) InRecovery() bool {
	return c.inRecovery
}

// OnPacketSent implements Controller.
func (c *Cubic) OnPacketSent(now time.Time, pn wire.PacketNumber, size int) {
	c.bytesInFlight += size
}

// OnAppLimited implements Controller.
func (c *Cubic) OnAppLimited() {
	c.appLimited = true
}

// RemoveFromFlight implements Controller.
func (c *Cubic) RemoveFromFlight(size int) {
	c.bytesInFlight -= size
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

// OnAck implements Controller.
func (c *Cubic) OnAck(now time.Time, pn wire.PacketNumber, size int, sentTime time.Time, srtt time.Duration) {
	c.RemoveFromFlight(size)

	if c.inRecovery {
		if !sentTime.After(c.recoveryStart) {
			// Acks for pre-recovery packets do not grow the window.
			return
		}
		c.inRecovery = false
	}
	if c.appLimited {
		// A window the application never filled earned no growth.
		c.appLimited = false
		return
	}

	if c.cwnd < c.ssthresh {
		// Slow start.
		c.cwnd += size
		return
	}
	c.congestionAvoidance(now, size, srtt)
}

func (c *Cubic) congestionAvoidance(now time.Time, acked int, srtt time.Duration) {
	if c.epochStart.IsZero() {
		c.epochStart = now
		if c.wMax < float64(c.cwnd) {
			c.wMax = float64(c.cwnd)
			c.k = 0
		} else {
			c.k = math.Cbrt(c.wMax * (1 - betaCubic) / cCubic / float64(c.maxDatagramSize))
		}
	}
	if srtt <= 0 {
		srtt = time.Millisecond
	}
	t := now.Sub(c.epochStart).Seconds()

	// W_cubic(t+RTT), in bytes.
	wCubic := func(t float64) float64 {
		d := t - c.k
		return cCubic*d*d*d*float64(c.maxDatagramSize) + c.wMax
	}
	target := wCubic(t + srtt.Seconds())

	// TCP-friendly estimate, in bytes.
	wEst := c.wMax*betaCubic +
		3*(1-betaCubic)/(1+betaCubic)*(t/srtt.Seconds())*float64(c.maxDatagramSize)

	// The per-ack increase never exceeds one datagram per window acked.
	maxInc := float64(c.maxDatagramSize) * float64(acked) / float64(c.cwnd)

	var inc float64
	if wEst > target && wEst > float64(c.cwnd) {
		inc = wEst - float64(c.cwnd)
	} else if target > float64(c.cwnd) {
		inc = (target - float64(c.cwnd)) * float64(acked) / float64(c.cwnd)
	}
	if inc > maxInc {
		inc = maxInc
	}
	c.cwnd += int(inc)
}

// OnLoss implements Controller.
func (c *Cubic) OnLoss(now time.Time, pn wire.PacketNumber, size int, sentTime time.Time) {
	c.RemoveFromFlight(size)
	c.onCongestionEvent(now, sentTime)
}

// OnECNCEIncrease implements Controller.
func (c *Cubic) OnECNCEIncrease(now time.Time, largestSentTime time.Time) {
	c.onCongestionEvent(now, largestSentTime)
}

func (c *Cubic) onCongestionEvent(now, sentTime time.Time) {
	if c.inRecovery && !sentTime.After(c.recoveryStart) {
		return
	}
	c.inRecovery = true
	c.recoveryStart = now

	c.wMax = float64(c.cwnd)
	if c.wMax < c.wLastMax {
		// Fast convergence: release capacity faster when the loss point
		// keeps dropping.
		c.wLastMax = c.wMax
		c.wMax *= (1 + betaCubic) / 2
	} else {
		c.wLastMax = c.wMax
	}

	c.ssthresh = int(float64(c.cwnd) * betaCubic)
	c.cwnd = c.ssthresh
	if min := MinimumWindow(c.maxDatagramSize); c.cwnd < min {
		c.cwnd = min
	}
	c.epochStart = time.Time{}
	c.k = math.Cbrt(c.wMax * (1 - betaCubic) / cCubic / float64(c.maxDatagramSize))
}

// OnPersistentCongestion implements Controller.
func (c *Cubic) OnPersistentCongestion() {
	c.cwnd = MinimumWindow(c.maxDatagramSize)
	c.epochStart = time.Time{}
	c.inRecovery = false
}

// OnMTUUpdate implements Controller.
func (c *Cubic) OnMTUUpdate(mtu int, decreased bool) {
	c.maxDatagramSize = mtu
	if decreased {
		c.cwnd = InitialWindow(mtu)
		return
	}
	if w := InitialWindow(mtu); c.cwnd < w && c.ssthresh == math.MaxInt32 {
		// Still in initial slow start: take the larger initial window.
		c.cwnd = w
	}
}
