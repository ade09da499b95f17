package recovery

import (
	"errors"
	"time"

	"github.com/m-lab/quic/wire"
)

// Loss detection constants from RFC 9002 section 6.
const (
	// PacketThreshold is the reordering threshold in packet numbers.
	PacketThreshold = 3
	// timeThresholdNum/Den form the 9/8 RTT time reordering threshold.
	timeThresholdNum = 9
	timeThresholdDen = 8
	// PersistentCongestionThreshold scales the PTO period for persistent
	// congestion detection.
	PersistentCongestionThreshold = 3
	// MaxProbePackets is how many probe packets one PTO event sends.
	MaxProbePackets = 2
)

// Error types.
var (
	ErrAckForUnsent = errors.New("recovery: ACK covers a packet number never sent")
)

// Space identifies a packet number space.
type Space int

// The three packet number spaces.
const (
	SpaceInitial Space = iota
	SpaceHandshake
	SpaceAppData
	numSpaces
)

var spaceName = map[Space]string{
	SpaceInitial:   "Initial",
	SpaceHandshake: "Handshake",
	SpaceAppData:   "ApplicationData",
}

func (s Space) String() string {
	n, ok := spaceName[s]
	if !ok {
		return "UNKNOWN_SPACE"
	}
	return n
}

// SentPacket records one transmitted packet until it is acked or lost.
type SentPacket struct {
	PN           wire.PacketNumber
	Time         time.Time
	Size         int
	AckEliciting bool
	InFlight     bool
	// MTUProbe marks a DPLPMTUD probe; its loss informs the MTU search
	// rather than the congestion controller.
	MTUProbe bool
	Frames   []wire.Frame
}

// spaceHistory is the per-space recovery state.
type spaceHistory struct {
	sent         map[wire.PacketNumber]*SentPacket
	largestAcked wire.PacketNumber
	largestSent  wire.PacketNumber
	lossTime     time.Time

	// lastAckEliciting is the send time of the newest ack-eliciting
	// packet, the base of the PTO timer.
	lastAckEliciting time.Time
	ackElicitingOut  int

	discarded bool
}

func (h *spaceHistory) init() {
	h.sent = make(map[wire.PacketNumber]*SentPacket)
	h.largestAcked = wire.InvalidPacketNumber
	h.largestSent = wire.InvalidPacketNumber
}

// TimerKind says why the loss detection timer fired.
type TimerKind int

// Timer kinds.
const (
	TimerNone TimerKind = iota
	TimerLoss
	TimerPTO
)

// AckResult reports the outcome of processing one ACK frame.
type AckResult struct {
	NewlyAcked           []*SentPacket
	Lost                 []*SentPacket
	RTTUpdated           bool
	PersistentCongestion bool
}

// Recovery is the loss recovery engine for one path.
// Recovery is NOT threadsafe; the connection driver owns it.
type Recovery struct {
	RTT RTTEstimator

	side   wire.Side
	spaces [numSpaces]spaceHistory

	ptoCount int

	// MaxAckDelay is the peer's max_ack_delay, added to the PTO for the
	// application data space.
	MaxAckDelay time.Duration

	handshakeConfirmed bool

	// peerAddressValidated is true once the peer is known to have
	// validated our address (always true for servers; for clients, once a
	// Handshake packet is acked or a HANDSHAKE_DONE arrives).
	peerAddressValidated bool

	// firstRTTSampleAt gates persistent congestion on a prior sample.
	firstRTTSampleAt time.Time
	// latestAckedSendTime is the send time of the newest acked packet.
	latestAckedSendTime time.Time
}

// New builds a recovery engine.
func New(side wire.Side) *Recovery {
	r := &Recovery{side: side}
	for i := range r.spaces {
		r.spaces[i].init()
	}
	r.peerAddressValidated = side == wire.ServerSide
	return r
}

// SetHandshakeConfirmed unlocks the application space PTO timer.
func (r *Recovery) SetHandshakeConfirmed() {
	r.handshakeConfirmed = true
	r.peerAddressValidated = true
}

// SetPeerAddressValidated marks the peer as having validated our address.
func (r *Recovery) SetPeerAddressValidated() {
	r.peerAddressValidated = true
}

// PTOCount returns the current PTO backoff exponent.
func (r *Recovery) PTOCount() int {
	return r.ptoCount
}

// PTO returns the probe timeout period for a space, without backoff.
func (r *Recovery) PTO(space Space) time.Duration {
	pto := r.RTT.PTOBase()
	if space == SpaceAppData {
		pto += r.MaxAckDelay
	}
	return pto
}

// OnPacketSent registers a transmitted packet.
func (r *Recovery) OnPacketSent(space Space, p *SentPacket) {
	h := &r.spaces[space]
	if h.discarded {
		return
	}
	h.sent[p.PN] = p
	if p.PN > h.largestSent {
		h.largestSent = p.PN
	}
	if p.AckEliciting && p.InFlight {
		h.lastAckEliciting = p.Time
		h.ackElicitingOut++
	}
}

// AckElicitingInFlight reports whether any ack-eliciting packet is
// outstanding in the space.
func (r *Recovery) AckElicitingInFlight(space Space) bool {
	return r.spaces[space].ackElicitingOut > 0
}

// LargestAcked returns the largest acknowledged packet number in a space.
func (r *Recovery) LargestAcked(space Space) wire.PacketNumber {
	return r.spaces[space].largestAcked
}

// OnAckReceived processes an ACK frame for one space.  ackDelay is the
// decoded, clamped ack delay to subtract from the RTT sample (zero for the
// Initial space).  It returns the newly acked and newly lost packets.
func (r *Recovery) OnAckReceived(space Space, ack *wire.AckFrame, ackDelay time.Duration, now time.Time) (*AckResult, error) {
	h := &r.spaces[space]
	if h.discarded {
		return &AckResult{}, nil
	}
	if ack.LargestAcked() > h.largestSent {
		return nil, ErrAckForUnsent
	}

	res := &AckResult{}
	largestNewlyAcked := wire.InvalidPacketNumber
	var largestNewlyAckedPkt *SentPacket
	ackElicitingAcked := false
	var newestAcked time.Time

	for _, rng := range ack.Ranges {
		for pn := rng.Smallest; pn <= rng.Largest; pn++ {
			p, ok := h.sent[pn]
			if !ok {
				continue
			}
			delete(h.sent, pn)
			res.NewlyAcked = append(res.NewlyAcked, p)
			if p.AckEliciting {
				ackElicitingAcked = true
				if p.InFlight {
					h.ackElicitingOut--
				}
			}
			if pn > largestNewlyAcked {
				largestNewlyAcked = pn
				largestNewlyAckedPkt = p
			}
			if p.Time.After(newestAcked) {
				newestAcked = p.Time
			}
		}
	}
	if len(res.NewlyAcked) == 0 {
		return res, nil
	}
	if ack.LargestAcked() > h.largestAcked {
		h.largestAcked = ack.LargestAcked()
	}

	// An RTT sample needs the largest acked to be newly acked and at least
	// one newly acked ack-eliciting packet.
	if largestNewlyAcked == ack.LargestAcked() && ackElicitingAcked {
		latest := now.Sub(largestNewlyAckedPkt.Time)
		if latest < 0 {
			latest = 0
		}
		if !r.RTT.HasSample() {
			r.firstRTTSampleAt = now
		}
		r.RTT.Update(latest, ackDelay)
		res.RTTUpdated = true
	}

	// Reset the PTO backoff, except for clients whose address the server
	// has not yet validated acking Initial packets.
	if res.RTTUpdated && (space != SpaceInitial || r.peerAddressValidated) {
		r.ptoCount = 0
	}

	res.Lost = r.detectLost(space, now)
	res.PersistentCongestion = r.checkPersistentCongestion(res.Lost, res.NewlyAcked)
	if newestAcked.After(r.latestAckedSendTime) {
		r.latestAckedSendTime = newestAcked
	}
	return res, nil
}

// detectLost applies the packet and time thresholds against largestAcked.
func (r *Recovery) detectLost(space Space, now time.Time) []*SentPacket {
	h := &r.spaces[space]
	h.lossTime = time.Time{}
	if h.largestAcked == wire.InvalidPacketNumber {
		return nil
	}

	timeThreshold := r.RTT.SmoothedRTT()
	if r.RTT.LatestRTT() > timeThreshold {
		timeThreshold = r.RTT.LatestRTT()
	}
	timeThreshold = timeThreshold * timeThresholdNum / timeThresholdDen
	if timeThreshold < Granularity {
		timeThreshold = Granularity
	}

	var lost []*SentPacket
	for pn, p := range h.sent {
		if pn > h.largestAcked {
			continue
		}
		switch {
		case h.largestAcked-pn >= PacketThreshold:
			lost = append(lost, p)
		case !p.Time.After(now.Add(-timeThreshold)):
			lost = append(lost, p)
		default:
			// Not yet: arm the loss timer at the earliest time threshold.
			when := p.Time.Add(timeThreshold)
			if h.lossTime.IsZero() || when.Before(h.lossTime) {
				h.lossTime = when
			}
		}
	}
	for _, p := range lost {
		delete(h.sent, p.PN)
		if p.AckEliciting && p.InFlight {
			h.ackElicitingOut--
		}
	}
	return lost
}

// checkPersistentCongestion decides whether a batch of newly lost packets
// establishes persistent congestion.
func (r *Recovery) checkPersistentCongestion(lost, acked []*SentPacket) bool {
	if r.firstRTTSampleAt.IsZero() {
		return false
	}
	duration := r.RTT.PTOBase() + r.MaxAckDelay
	duration *= PersistentCongestionThreshold

	var first, last time.Time
	for _, p := range lost {
		if !p.AckEliciting {
			continue
		}
		// Only stretches with no acked packet inside count.
		if !p.Time.After(r.latestAckedSendTime) || p.Time.Before(r.firstRTTSampleAt) {
			continue
		}
		if first.IsZero() || p.Time.Before(first) {
			first = p.Time
		}
		if p.Time.After(last) {
			last = p.Time
		}
	}
	if first.IsZero() {
		return false
	}
	for _, p := range acked {
		if p.Time.After(first) && p.Time.Before(last) {
			return false
		}
	}
	if last.Sub(first) >= duration {
		r.RTT.Reset()
		return true
	}
	return false
}

// ptoExpiry returns when the PTO for a space would fire, or zero if the
// space arms no PTO.  now anchors the anti-deadlock timer for clients that
// have nothing in flight before the server validates their address.
func (r *Recovery) ptoExpiry(space Space, now time.Time) time.Time {
	h := &r.spaces[space]
	if h.discarded {
		return time.Time{}
	}
	if space == SpaceAppData && !r.handshakeConfirmed {
		return time.Time{}
	}
	backoff := time.Duration(1) << r.ptoCount
	if h.ackElicitingOut > 0 {
		return h.lastAckEliciting.Add(r.PTO(space) * backoff)
	}
	if r.side == wire.ClientSide && !r.peerAddressValidated && space != SpaceAppData {
		return now.Add(r.PTO(space) * backoff)
	}
	return time.Time{}
}

// NextTimeout returns when the loss detection timer should fire and why.
// A zero time with TimerNone means the timer is off.
func (r *Recovery) NextTimeout(now time.Time) (time.Time, TimerKind) {
	// Earliest per-space loss time wins.
	var lossAt time.Time
	for i := range r.spaces {
		lt := r.spaces[i].lossTime
		if !lt.IsZero() && (lossAt.IsZero() || lt.Before(lossAt)) {
			lossAt = lt
		}
	}
	if !lossAt.IsZero() {
		return lossAt, TimerLoss
	}

	var ptoAt time.Time
	for i := range r.spaces {
		t := r.ptoExpiry(Space(i), now)
		if !t.IsZero() && (ptoAt.IsZero() || t.Before(ptoAt)) {
			ptoAt = t
		}
	}
	if ptoAt.IsZero() {
		return time.Time{}, TimerNone
	}
	return ptoAt, TimerPTO
}

// OnTimeout handles a fired loss detection timer.  For a loss timer it
// returns the packets now declared lost and their space; for a PTO it
// returns the space to probe and increments the backoff.
func (r *Recovery) OnTimeout(now time.Time) (kind TimerKind, lost []*SentPacket, space Space) {
	for i := range r.spaces {
		lt := r.spaces[i].lossTime
		if !lt.IsZero() && !lt.After(now) {
			return TimerLoss, r.detectLost(Space(i), now), Space(i)
		}
	}

	// PTO: probe the space whose timer is earliest.
	best := Space(-1)
	var bestAt time.Time
	for i := range r.spaces {
		t := r.ptoExpiry(Space(i), now)
		if !t.IsZero() && (best < 0 || t.Before(bestAt)) {
			best = Space(i)
			bestAt = t
		}
	}
	if best < 0 {
		return TimerNone, nil, 0
	}
	r.ptoCount++
	return TimerPTO, nil, best
}

// RetransmittableFrames returns the frames of a packet that should be
// offered for retransmission when it is lost.
func RetransmittableFrames(p *SentPacket) []wire.Frame {
	var out []wire.Frame
	for _, f := range p.Frames {
		switch f.(type) {
		case *wire.AckFrame, *wire.PaddingFrame, *wire.PathChallengeFrame, *wire.PathResponseFrame:
			// Acks regenerate, padding is filler, path probes re-arm on
			// their own timers.
		default:
			out = append(out, f)
		}
	}
	return out
}

// DiscardSpace drops all state for a space when its keys are discarded,
// returning the removed in-flight packets so the congestion controller can
// forget their bytes.
func (r *Recovery) DiscardSpace(space Space) []*SentPacket {
	h := &r.spaces[space]
	var removed []*SentPacket
	for _, p := range h.sent {
		if p.InFlight {
			removed = append(removed, p)
		}
	}
	h.sent = make(map[wire.PacketNumber]*SentPacket)
	h.lossTime = time.Time{}
	h.lastAckEliciting = time.Time{}
	h.ackElicitingOut = 0
	h.discarded = true
	r.ptoCount = 0
	return removed
}

// OutstandingBytes sums the sizes of in-flight packets across all spaces,
// for invariant checks against the congestion controller.
func (r *Recovery) OutstandingBytes() int {
	total := 0
	for i := range r.spaces {
		for _, p := range r.spaces[i].sent {
			if p.InFlight {
				total += p.Size
			}
		}
	}
	return total
}
