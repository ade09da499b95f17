// Package path tracks network paths for a connection: validation state,
// the anti-amplification budget on unvalidated paths, and datagram
// packetization layer PMTU discovery.
package path

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"
)

// State is the validation state of a path.
type State int32

// Path states.
const (
	Pending State = iota
	Validated
	AmplificationLimited
	Failed
)

var stateName = map[State]string{
	Pending:              "Pending",
	Validated:            "Validated",
	AmplificationLimited: "AmplificationLimited",
	Failed:               "Failed",
}

func (s State) String() string {
	n, ok := stateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_PATH_STATE_%d", int32(s))
	}
	return n
}

// AmplificationFactor is the server's send budget multiplier on an
// unvalidated path.
const AmplificationFactor = 3

// maxChallengeRetries bounds PATH_CHALLENGE retransmissions before the
// path is declared failed.
const maxChallengeRetries = 3

// Path is one (local address, remote address) pair.
type Path struct {
	Local  *net.UDPAddr
	Remote *net.UDPAddr

	state State

	// Anti-amplification accounting, meaningful while unvalidated.
	bytesReceived int
	bytesSent     int

	// Outstanding PATH_CHALLENGE data and schedule.
	challenge     [8]byte
	challengeSent bool
	challengeAt   time.Time
	retries       int

	MTU MTUController
}

// New creates a path in the Pending state.
func New(local, remote *net.UDPAddr, maxMTU int) *Path {
	p := &Path{Local: local, Remote: remote}
	p.MTU.init(maxMTU)
	return p
}

// Key identifies the path by its 4-tuple.
func Key(local, remote *net.UDPAddr) string {
	return local.String() + "|" + remote.String()
}

// Key returns the path's 4-tuple key.
func (p *Path) Key() string {
	return Key(p.Local, p.Remote)
}

// State returns the validation state.
func (p *Path) State() State {
	return p.state
}

// MarkValidated transitions the path to Validated directly, as for the
// handshake path once the handshake completes.
func (p *Path) MarkValidated() {
	p.state = Validated
}

// OnReceive credits received bytes against the amplification budget.
func (p *Path) OnReceive(n int) {
	p.bytesReceived += n
	if p.state == AmplificationLimited && p.SendBudget() > 0 {
		p.state = Pending
	}
}

// OnSend debits sent bytes.
func (p *Path) OnSend(n int) {
	p.bytesSent += n
	if p.state == Pending && p.SendBudget() <= 0 {
		p.state = AmplificationLimited
	}
}

// SendBudget returns how many bytes may still be sent before the
// anti-amplification cap.  Validated paths are unlimited.
func (p *Path) SendBudget() int {
	if p.state == Validated {
		return 1 << 30
	}
	return AmplificationFactor*p.bytesReceived - p.bytesSent
}

// Challenge returns the PATH_CHALLENGE payload to send, generating it on
// first use.  retransmit is the interval after which an unanswered
// challenge is resent.
func (p *Path) Challenge(now time.Time, retransmit time.Duration) ([8]byte, bool) {
	if p.state == Validated || p.state == Failed {
		return [8]byte{}, false
	}
	if !p.challengeSent {
		if _, err := rand.Read(p.challenge[:]); err != nil {
			panic("path: no entropy for challenge: " + err.Error())
		}
		p.challengeSent = true
		p.challengeAt = now
		return p.challenge, true
	}
	if now.Sub(p.challengeAt) >= retransmit {
		p.retries++
		if p.retries > maxChallengeRetries {
			p.state = Failed
			return [8]byte{}, false
		}
		p.challengeAt = now
		return p.challenge, true
	}
	return [8]byte{}, false
}

// NextChallengeTime says when the challenge schedule next wants attention.
func (p *Path) NextChallengeTime(retransmit time.Duration) time.Time {
	if !p.challengeSent || p.state != Pending {
		return time.Time{}
	}
	return p.challengeAt.Add(retransmit)
}

// OnResponse checks a PATH_RESPONSE.  A match validates the path.
func (p *Path) OnResponse(data [8]byte) bool {
	if !p.challengeSent || p.state == Validated {
		return false
	}
	if data != p.challenge {
		return false
	}
	p.state = Validated
	return true
}

/*********************************************************************************************/
/*                              DPLPMTUD (RFC 8899)                                          */
/*********************************************************************************************/

// MTU discovery constants.  The first probe targets the common Ethernet
// payload; search then bisects toward the configured ceiling.
const (
	BaseMTU        = 1200
	FirstProbeMTU  = 1472
	probeLossLimit = 3
	mtuSearchDone  = 16 // stop when the window is this tight
)

// MTUController binary-searches the path MTU with padded probe packets.
// MTUController is NOT threadsafe; the connection driver owns it.
type MTUController struct {
	current int
	ceil    int // highest size worth trying
	floor   int // largest size known to work

	probeSize   int
	probeOut    bool
	probeLosses int
	done        bool
}

func (m *MTUController) init(maxMTU int) {
	m.current = BaseMTU
	m.floor = BaseMTU
	m.ceil = maxMTU
	if m.ceil < BaseMTU {
		m.ceil = BaseMTU
		m.done = true
	}
}

// Current returns the validated path MTU.
func (m *MTUController) Current() int {
	return m.current
}

// NextProbeSize returns the size of the next probe to send, if probing
// should continue and no probe is outstanding.
func (m *MTUController) NextProbeSize() (int, bool) {
	if m.done || m.probeOut {
		return 0, false
	}
	var size int
	switch {
	case m.probeLosses > 0 && m.probeSize > m.floor && m.probeSize <= m.ceil:
		// Retry the failed size before giving up on it.
		size = m.probeSize
	case m.floor < FirstProbeMTU && m.ceil >= FirstProbeMTU && m.probeSize == 0:
		size = FirstProbeMTU
	default:
		size = (m.floor + m.ceil + 1) / 2
	}
	if size <= m.floor || m.ceil-m.floor < mtuSearchDone {
		m.done = true
		return 0, false
	}
	m.probeSize = size
	m.probeOut = true
	return size, true
}

// OnProbeAcked raises the MTU to the probed size.
func (m *MTUController) OnProbeAcked(size int) {
	if size != m.probeSize {
		return
	}
	m.probeOut = false
	m.probeLosses = 0
	m.floor = size
	m.current = size
	if m.ceil-m.floor < mtuSearchDone {
		m.done = true
	}
}

// OnProbeLost tries the same size a few times, then lowers the ceiling.
func (m *MTUController) OnProbeLost(size int) {
	if size != m.probeSize {
		return
	}
	m.probeOut = false
	m.probeLosses++
	if m.probeLosses >= probeLossLimit {
		m.ceil = size - 1
		m.probeLosses = 0
		if m.ceil-m.floor < mtuSearchDone {
			m.done = true
		}
	}
}
