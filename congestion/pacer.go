package congestion

import (
	"time"
)

// pacingGain spreads a window over slightly less than one RTT.
const pacingGain = 1.25

// Pacer is a token bucket limiting the burstiness of transmission.  The
// refill rate tracks N * cwnd / smoothed_rtt; the bucket capacity is the
// initial congestion window.  ACK-only packets bypass the pacer entirely.
type Pacer struct {
	budget     float64
	capacity   float64
	lastUpdate time.Time

	// rate returns the current cwnd and smoothed RTT.
	rate func() (cwnd int, srtt time.Duration)
}

// NewPacer builds a pacer.  rate supplies the live cwnd and smoothed RTT.
func NewPacer(maxDatagramSize int, rate func() (int, time.Duration)) *Pacer {
	cap := float64(InitialWindow(maxDatagramSize))
	return &Pacer{budget: cap, capacity: cap, rate: rate}
}

func (p *Pacer) bytesPerSecond() float64 {
	cwnd, srtt := p.rate()
	if srtt <= 0 {
		srtt = 333 * time.Millisecond
	}
	return pacingGain * float64(cwnd) / srtt.Seconds()
}

func (p *Pacer) refill(now time.Time) {
	if !p.lastUpdate.IsZero() && now.After(p.lastUpdate) {
		p.budget += p.bytesPerSecond() * now.Sub(p.lastUpdate).Seconds()
		if p.budget > p.capacity {
			p.budget = p.capacity
		}
	}
	p.lastUpdate = now
}

// CanSend reports whether a packet of size bytes may be sent now.
func (p *Pacer) CanSend(now time.Time, size int) bool {
	p.refill(now)
	return p.budget >= float64(size)
}

// OnSent debits the bucket for a transmitted packet.
func (p *Pacer) OnSent(now time.Time, size int) {
	p.refill(now)
	p.budget -= float64(size)
	if p.budget < -p.capacity {
		p.budget = -p.capacity
	}
}

// TimeUntilSend returns how long to wait before a packet of size bytes
// fits the budget.  Zero means it may be sent immediately.
func (p *Pacer) TimeUntilSend(now time.Time, size int) time.Duration {
	p.refill(now)
	deficit := float64(size) - p.budget
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / p.bytesPerSecond() * float64(time.Second))
}
