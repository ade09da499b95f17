// Package cid manages connection IDs: the set we issue to the peer, the
// set the peer issued to us, retirement and rotation, and the stateless
// reset tokens tied to each issued ID.
package cid

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/m-lab/quic/wire"
)

// Error types.
var (
	ErrGeneratorLength = errors.New("cid: generator produced a bad length")
)

// Generator produces new local connection IDs.  Implementations must
// return IDs of a fixed nonzero length so short headers stay parseable.
type Generator interface {
	Generate() (wire.ConnectionID, error)
	Len() int
}

// RandomGenerator is the default Generator, drawing IDs from crypto/rand.
type RandomGenerator struct {
	Length int
}

// Generate implements Generator.
func (g *RandomGenerator) Generate() (wire.ConnectionID, error) {
	id := make(wire.ConnectionID, g.Length)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	return id, nil
}

// Len implements Generator.
func (g *RandomGenerator) Len() int {
	return g.Length
}

// TokenSource derives the stateless reset token for an issued connection
// ID.  Tokens must be stable across restarts for stateless resets to work,
// so the default keys an HMAC with an endpoint-wide secret.
type TokenSource interface {
	Token(id wire.ConnectionID) wire.StatelessResetToken
}

// HMACTokenSource is the default TokenSource.
type HMACTokenSource struct {
	Key []byte
}

// NewHMACTokenSource builds a token source with a random endpoint key.
func NewHMACTokenSource() *HMACTokenSource {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("cid: no entropy for reset token key: " + err.Error())
	}
	return &HMACTokenSource{Key: key}
}

// Token implements TokenSource.
func (s *HMACTokenSource) Token(id wire.ConnectionID) wire.StatelessResetToken {
	mac := hmac.New(sha256.New, s.Key)
	mac.Write(id)
	var tok wire.StatelessResetToken
	copy(tok[:], mac.Sum(nil))
	return tok
}

type localID struct {
	seq   uint64
	id    wire.ConnectionID
	token wire.StatelessResetToken
}

// Local is the set of connection IDs this endpoint issued.  Local is NOT
// threadsafe; the connection driver owns it.
type Local struct {
	gen    Generator
	tokens TokenSource

	active  []localID
	nextSeq uint64

	// peerLimit is the peer's active_connection_id_limit.
	peerLimit uint64

	// pending NEW_CONNECTION_ID frames awaiting transmission.
	pending []wire.Frame

	// onNew and onRetired keep the endpoint's routing table current.
	onNew     func(id wire.ConnectionID, token wire.StatelessResetToken)
	onRetired func(id wire.ConnectionID)
}

// NewLocal builds the local ID set.  first is the ID used during the
// handshake (sequence 0); its NEW_CONNECTION_ID frame is never sent.
func NewLocal(first wire.ConnectionID, gen Generator, tokens TokenSource,
	onNew func(wire.ConnectionID, wire.StatelessResetToken), onRetired func(wire.ConnectionID)) *Local {
	l := &Local{
		gen:       gen,
		tokens:    tokens,
		peerLimit: wire.DefaultActiveConnectionIDLimit,
		onNew:     onNew,
		onRetired: onRetired,
	}
	l.active = append(l.active, localID{seq: 0, id: first, token: tokens.Token(first)})
	l.nextSeq = 1
	if l.onNew != nil {
		l.onNew(first, l.active[0].token)
	}
	return l
}

// SetPeerLimit installs the peer's active_connection_id_limit from its
// transport parameters.
func (l *Local) SetPeerLimit(limit uint64) {
	l.peerLimit = limit
}

// ActiveCount returns the number of unretired issued IDs.
func (l *Local) ActiveCount() int {
	return len(l.active)
}

// Has reports whether id is one of our active IDs.
func (l *Local) Has(id wire.ConnectionID) bool {
	for _, a := range l.active {
		if a.id.Equal(id) {
			return true
		}
	}
	return false
}

// IssueUpToLimit queues NEW_CONNECTION_ID frames until the peer's limit is
// reached.  Called once the handshake completes and after retirements.
func (l *Local) IssueUpToLimit() error {
	for uint64(len(l.active)) < l.peerLimit {
		id, err := l.gen.Generate()
		if err != nil {
			return err
		}
		if len(id) != l.gen.Len() || len(id) == 0 || len(id) > wire.MaxConnectionIDLen {
			return ErrGeneratorLength
		}
		tok := l.tokens.Token(id)
		entry := localID{seq: l.nextSeq, id: id, token: tok}
		l.nextSeq++
		l.active = append(l.active, entry)
		l.pending = append(l.pending, &wire.NewConnectionIDFrame{
			Sequence: entry.seq,
			ID:       id,
			Token:    tok,
		})
		if l.onNew != nil {
			l.onNew(id, tok)
		}
	}
	return nil
}

// Retire handles a RETIRE_CONNECTION_ID from the peer.  carriedIn is the
// destination ID of the packet that delivered the frame; retiring that ID
// is a violation.  A replacement is queued automatically.
func (l *Local) Retire(seq uint64, carriedIn wire.ConnectionID) error {
	if seq >= l.nextSeq {
		return wire.NewError(wire.ProtocolViolation, "RETIRE_CONNECTION_ID for never-issued sequence %d", seq)
	}
	for i, a := range l.active {
		if a.seq != seq {
			continue
		}
		if a.id.Equal(carriedIn) {
			return wire.NewError(wire.ProtocolViolation,
				"RETIRE_CONNECTION_ID %d delivered in a packet using that ID", seq)
		}
		l.active = append(l.active[:i], l.active[i+1:]...)
		if l.onRetired != nil {
			l.onRetired(a.id)
		}
		break
	}
	return l.IssueUpToLimit()
}

// PopFrames drains the queued NEW_CONNECTION_ID frames.
func (l *Local) PopFrames() []wire.Frame {
	out := l.pending
	l.pending = nil
	return out
}

type remoteID struct {
	seq   uint64
	id    wire.ConnectionID
	token wire.StatelessResetToken
	used  bool
}

// Remote is the set of connection IDs the peer issued to us.
// Remote is NOT threadsafe; the connection driver owns it.
type Remote struct {
	active []remoteID

	// current is the sequence number of the ID in use on the active path.
	current uint64

	// localLimit is our active_connection_id_limit.
	localLimit uint64

	retirePriorTo uint64
	pendingRetire []wire.Frame

	// retiredSeqs remembers handled sequences so retransmitted
	// NEW_CONNECTION_ID frames are not counted against the limit.
	retiredSeqs map[uint64]bool
}

// NewRemote starts with the peer's handshake-chosen ID as sequence 0.
func NewRemote(first wire.ConnectionID, localLimit uint64) *Remote {
	return &Remote{
		active:      []remoteID{{seq: 0, id: first, used: true}},
		localLimit:  localLimit,
		retiredSeqs: make(map[uint64]bool),
	}
}

// SetResetToken attaches the stateless reset token for sequence 0, which
// arrives separately in the server's transport parameters.
func (r *Remote) SetResetToken(tok wire.StatelessResetToken) {
	for i := range r.active {
		if r.active[i].seq == 0 {
			r.active[i].token = tok
		}
	}
}

// Current returns the ID to put in outgoing packets.
func (r *Remote) Current() wire.ConnectionID {
	for _, a := range r.active {
		if a.seq == r.current {
			return a.id
		}
	}
	// Sequence 0 can be retired out from under us; fall back to any
	// active ID.
	if len(r.active) > 0 {
		return r.active[0].id
	}
	return nil
}

// Tokens returns all known stateless reset tokens, for matching incoming
// datagrams.
func (r *Remote) Tokens() []wire.StatelessResetToken {
	out := make([]wire.StatelessResetToken, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a.token)
	}
	return out
}

// Handle applies a NEW_CONNECTION_ID frame.
func (r *Remote) Handle(f *wire.NewConnectionIDFrame) error {
	if r.retiredSeqs[f.Sequence] {
		return nil
	}
	for _, a := range r.active {
		if a.seq == f.Sequence {
			if !a.id.Equal(f.ID) {
				return wire.NewError(wire.ProtocolViolation,
					"NEW_CONNECTION_ID reuses sequence %d with different ID", f.Sequence)
			}
			return nil
		}
		if a.id.Equal(f.ID) && a.seq != f.Sequence {
			return wire.NewError(wire.ProtocolViolation,
				"NEW_CONNECTION_ID reuses ID %s with different sequence", f.ID)
		}
	}

	if f.Sequence < r.retirePriorTo {
		// Already retired before it arrived.
		r.retire(f.Sequence)
		return nil
	}
	r.active = append(r.active, remoteID{seq: f.Sequence, id: f.ID, token: f.Token})

	if f.RetirePriorTo > r.retirePriorTo {
		r.retirePriorTo = f.RetirePriorTo
		var keep []remoteID
		for _, a := range r.active {
			if a.seq < f.RetirePriorTo {
				r.retire(a.seq)
				continue
			}
			keep = append(keep, a)
		}
		r.active = keep
		if r.current < f.RetirePriorTo {
			// Forced off the current ID: adopt the lowest surviving one.
			r.current = r.active[0].seq
			for _, a := range r.active {
				if a.seq < r.current {
					r.current = a.seq
				}
			}
			r.markUsed(r.current)
		}
	}

	if uint64(len(r.active)) > r.localLimit {
		return wire.NewError(wire.ConnectionIDLimitError,
			"%d active connection IDs exceeds limit %d", len(r.active), r.localLimit)
	}
	return nil
}

func (r *Remote) retire(seq uint64) {
	r.retiredSeqs[seq] = true
	r.pendingRetire = append(r.pendingRetire, &wire.RetireConnectionIDFrame{Sequence: seq})
}

func (r *Remote) markUsed(seq uint64) {
	for i := range r.active {
		if r.active[i].seq == seq {
			r.active[i].used = true
		}
	}
}

// Rotate switches to an unused ID, retiring the current one.  It reports
// whether a fresh ID was available.  A rotation is mandatory when probing
// a new path, so the paths are not linkable.
func (r *Remote) Rotate() bool {
	for i := range r.active {
		if !r.active[i].used {
			old := r.current
			r.current = r.active[i].seq
			r.active[i].used = true
			// Retire the previous ID.
			for j := range r.active {
				if r.active[j].seq == old {
					r.active = append(r.active[:j], r.active[j+1:]...)
					break
				}
			}
			r.retire(old)
			return true
		}
	}
	return false
}

// ActiveCount returns the number of usable peer IDs.
func (r *Remote) ActiveCount() int {
	return len(r.active)
}

// PopFrames drains pending RETIRE_CONNECTION_ID frames.
func (r *Remote) PopFrames() []wire.Frame {
	out := r.pendingRetire
	r.pendingRetire = nil
	return out
}
