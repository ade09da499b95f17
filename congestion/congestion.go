// Package congestion decides how many bytes may be in flight on a path.
// The default controller is CUBIC (RFC 8312); the Controller interface is
// the pluggable capability set a connection drives.
package congestion

import (
	"time"

	"github.com/m-lab/quic/wire"
)

// Controller is the capability set every congestion controller supplies.
// All byte counts are UDP payload bytes.  Controllers are not threadsafe;
// the owning connection serializes calls.
type Controller interface {
	// OnPacketSent records an in-flight packet.
	OnPacketSent(now time.Time, pn wire.PacketNumber, size int)
	// OnAck credits an acknowledged in-flight packet.
	OnAck(now time.Time, pn wire.PacketNumber, size int, sentTime time.Time, srtt time.Duration)
	// OnLoss debits a lost in-flight packet and reacts to the loss.
	OnLoss(now time.Time, pn wire.PacketNumber, size int, sentTime time.Time)
	// OnECNCEIncrease reacts to a raised CE count like a loss, without
	// removing anything from flight.
	OnECNCEIncrease(now time.Time, largestSentTime time.Time)
	// OnPersistentCongestion collapses the window to its minimum.
	OnPersistentCongestion()
	// OnMTUUpdate adjusts the window for a changed datagram size.
	OnMTUUpdate(mtu int, decreased bool)
	// OnAppLimited marks the window as not fully used, suppressing growth
	// on the next acknowledgment.
	OnAppLimited()
	// RemoveFromFlight debits a packet that left flight without being
	// acked or lost (its packet number space was discarded).
	RemoveFromFlight(size int)

	CWND() int
	BytesInFlight() int
	CanSend() bool
}

// Window constants from RFC 9002 section 7.2.
const (
	initialWindowPackets = 10
	initialWindowFloor   = 14720
	minimumWindowPackets = 2
)

// InitialWindow computes the initial congestion window for a datagram size.
func InitialWindow(maxDatagramSize int) int {
	w := initialWindowPackets * maxDatagramSize
	lim := initialWindowFloor
	if 2*maxDatagramSize > lim {
		lim = 2 * maxDatagramSize
	}
	if w > lim {
		return lim
	}
	return w
}

// MinimumWindow is the smallest congestion window a controller may keep.
func MinimumWindow(maxDatagramSize int) int {
	return minimumWindowPackets * maxDatagramSize
}
