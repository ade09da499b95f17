// Package recovery implements RFC 9002 loss recovery: the RTT estimator,
// sent-packet bookkeeping per packet number space, packet- and
// time-threshold loss detection, probe timeouts, and persistent congestion
// detection.  The package is pure state-machine code; the connection owns
// the clock and the congestion controller.
package recovery

import (
	"time"
)

// Constants from RFC 9002.
const (
	// InitialRTT seeds the estimator before the first sample.
	InitialRTT = 333 * time.Millisecond
	// Granularity is the timer granularity kGranularity.
	Granularity = time.Millisecond
)

// RTTEstimator tracks the path round trip time.
// RTTEstimator is NOT threadsafe.
type RTTEstimator struct {
	latest   time.Duration
	min      time.Duration
	smoothed time.Duration
	rttvar   time.Duration
	hasSample bool
}

// Update folds one RTT sample into the estimate.  ackDelay is the peer's
// reported (already clamped) ack delay; the caller passes zero when the
// delay must be ignored.
func (r *RTTEstimator) Update(latest, ackDelay time.Duration) {
	r.latest = latest
	if !r.hasSample {
		r.hasSample = true
		r.min = latest
		r.smoothed = latest
		r.rttvar = latest / 2
		return
	}
	if latest < r.min {
		// min_rtt uses the unadjusted sample.
		r.min = latest
	}
	adjusted := latest
	if adjusted-ackDelay >= r.min {
		adjusted -= ackDelay
	}
	d := r.smoothed - adjusted
	if d < 0 {
		d = -d
	}
	r.rttvar = (3*r.rttvar + d) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

// HasSample reports whether any RTT sample has been taken.
func (r *RTTEstimator) HasSample() bool {
	return r.hasSample
}

// SmoothedRTT returns the smoothed RTT, or InitialRTT before any sample.
func (r *RTTEstimator) SmoothedRTT() time.Duration {
	if !r.hasSample {
		return InitialRTT
	}
	return r.smoothed
}

// RTTVar returns the RTT variance, or InitialRTT/2 before any sample.
func (r *RTTEstimator) RTTVar() time.Duration {
	if !r.hasSample {
		return InitialRTT / 2
	}
	return r.rttvar
}

// MinRTT returns the minimum observed RTT.
func (r *RTTEstimator) MinRTT() time.Duration {
	return r.min
}

// LatestRTT returns the most recent sample.
func (r *RTTEstimator) LatestRTT() time.Duration {
	return r.latest
}

// PTOBase returns smoothed_rtt + max(4*rttvar, granularity), the PTO
// without the max_ack_delay term.
func (r *RTTEstimator) PTOBase() time.Duration {
	v := 4 * r.RTTVar()
	if v < Granularity {
		v = Granularity
	}
	return r.SmoothedRTT() + v
}

// Reset reinitializes the estimator, as after persistent congestion or on
// a new path.
func (r *RTTEstimator) Reset() {
	*r = RTTEstimator{}
}
