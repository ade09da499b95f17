package keys

import (
	"time"

	"github.com/m-lab/quic/wire"
)

// AutoUpdateSealLimit is the number of packets sealed under one key phase
// after which a key update is initiated, comfortably inside the AEAD
// confidentiality limits of RFC 9001 section 6.6.
const AutoUpdateSealLimit = 1 << 23

// OneRTTKeys manages the application-data space keys, including the key
// phase bit, retention of the previous phase's receive keys, and
// pre-derivation of the next phase.  Header protection keys never rotate.
type OneRTTKeys struct {
	suite      Suite
	sendSecret []byte
	recvSecret []byte

	hdrSend *HeaderKey
	hdrRecv *HeaderKey

	phase    bool
	send     *PacketKey
	recv     *PacketKey
	nextSend *PacketKey
	nextRecv *PacketKey

	// prevRecv holds the previous phase's receive key for a retention
	// period after an update, so reordered packets still decrypt.
	prevRecv       *PacketKey
	prevRetireTime time.Time

	// updatePending is set between initiating an update and receiving an
	// acknowledgment for a packet sent in the new phase.
	updatePending    bool
	firstSendInPhase wire.PacketNumber

	// lowestRecvInPhase is the smallest packet number decrypted in the
	// current phase; packets below it with the other phase bit use the
	// previous keys.
	lowestRecvInPhase wire.PacketNumber
	largestRecvPrev   wire.PacketNumber

	sealCount uint64
}

// NewOneRTT installs 1-RTT keys from the TLS application traffic secrets.
func NewOneRTT(suite Suite, sendSecret, recvSecret []byte) *OneRTTKeys {
	k := &OneRTTKeys{
		suite:             suite,
		sendSecret:        sendSecret,
		recvSecret:        recvSecret,
		hdrSend:           newHeaderKey(suite, sendSecret),
		hdrRecv:           newHeaderKey(suite, recvSecret),
		send:              newPacketKey(suite, sendSecret),
		recv:              newPacketKey(suite, recvSecret),
		firstSendInPhase:  wire.InvalidPacketNumber,
		lowestRecvInPhase: wire.InvalidPacketNumber,
		largestRecvPrev:   wire.InvalidPacketNumber,
	}
	k.deriveNext()
	return k
}

func (k *OneRTTKeys) deriveNext() {
	k.nextSend = newPacketKey(k.suite, NextUpdateSecret(k.suite, k.sendSecret))
	k.nextRecv = newPacketKey(k.suite, NextUpdateSecret(k.suite, k.recvSecret))
}

// HeaderKeys returns the send and receive header protection keys.
func (k *OneRTTKeys) HeaderKeys() (send, recv *HeaderKey) {
	return k.hdrSend, k.hdrRecv
}

// Phase returns the current key phase bit for outgoing packets.
func (k *OneRTTKeys) Phase() bool {
	return k.phase
}

// Seal protects an outgoing packet under the current phase.
func (k *OneRTTKeys) Seal(hdr, payload []byte, pn wire.PacketNumber) []byte {
	if k.firstSendInPhase == wire.InvalidPacketNumber {
		k.firstSendInPhase = pn
	}
	k.sealCount++
	return k.send.Seal(hdr, payload, pn)
}

// ShouldUpdate reports whether enough packets have been sealed under the
// current keys that an automatic update is due.
func (k *OneRTTKeys) ShouldUpdate() bool {
	return k.sealCount >= AutoUpdateSealLimit && !k.updatePending
}

// Initiate rotates to the next key phase.  retention is the period (3 PTO)
// the previous receive keys stay usable; now is the current time.
func (k *OneRTTKeys) Initiate(now time.Time, retention time.Duration) error {
	if k.updatePending {
		return ErrKeyUpdateWhilePending
	}
	k.rotate(now, retention)
	return nil
}

func (k *OneRTTKeys) rotate(now time.Time, retention time.Duration) {
	k.sendSecret = NextUpdateSecret(k.suite, k.sendSecret)
	k.recvSecret = NextUpdateSecret(k.suite, k.recvSecret)
	k.prevRecv = k.recv
	k.prevRetireTime = now.Add(retention)
	k.largestRecvPrev = k.largestRecv()
	k.send = k.nextSend
	k.recv = k.nextRecv
	k.deriveNext()
	k.phase = !k.phase
	k.updatePending = true
	k.firstSendInPhase = wire.InvalidPacketNumber
	k.lowestRecvInPhase = wire.InvalidPacketNumber
	k.sealCount = 0
}

func (k *OneRTTKeys) largestRecv() wire.PacketNumber {
	// The caller tracks the authoritative largest received packet number;
	// lowestRecvInPhase is a sufficient lower bound for phase checks.
	return k.lowestRecvInPhase
}

// OnAck records that the peer acknowledged pn.  An acknowledgment of a
// packet sent in the current phase completes a pending update.
func (k *OneRTTKeys) OnAck(pn wire.PacketNumber) {
	if k.updatePending && k.firstSendInPhase != wire.InvalidPacketNumber && pn >= k.firstSendInPhase {
		k.updatePending = false
	}
}

// DiscardPrev drops the previous phase's keys once the retention period has
// elapsed.
func (k *OneRTTKeys) DiscardPrev(now time.Time) {
	if k.prevRecv != nil && now.After(k.prevRetireTime) {
		k.prevRecv = nil
	}
}

// Open decrypts an incoming 1-RTT payload.  phaseBit is the key phase bit
// from the unprotected first byte.  A packet in the other phase with a
// packet number above everything seen in the current phase signals a
// peer-initiated key update; Open rotates and decrypts with the new keys.
func (k *OneRTTKeys) Open(hdr, ciphertext []byte, pn wire.PacketNumber, phaseBit bool, now time.Time, retention time.Duration) ([]byte, error) {
	k.DiscardPrev(now)

	if phaseBit == k.phase {
		pt, err := k.recv.Open(hdr, ciphertext, pn)
		if err != nil {
			return nil, err
		}
		if k.lowestRecvInPhase == wire.InvalidPacketNumber || pn < k.lowestRecvInPhase {
			k.lowestRecvInPhase = pn
		}
		return pt, nil
	}

	// Other phase bit.  A packet older than the current phase's first
	// packet belongs to the previous phase.
	if k.lowestRecvInPhase != wire.InvalidPacketNumber && pn < k.lowestRecvInPhase {
		if k.prevRecv == nil {
			return nil, ErrDecryptionBehindOldKeys
		}
		return k.prevRecv.Open(hdr, ciphertext, pn)
	}

	// Possible peer-initiated update: try the next phase's keys.
	pt, err := k.nextRecv.Open(hdr, ciphertext, pn)
	if err != nil {
		return nil, err
	}
	if k.largestRecvPrev != wire.InvalidPacketNumber && pn < k.largestRecvPrev {
		// New phase keys protecting a packet number behind the previous
		// phase's packets is a key update protocol violation.
		return nil, ErrKeyUpdateWhilePending
	}
	k.rotate(now, retention)
	// rotate flips updatePending for locally initiated updates; a peer
	// initiated update needs no acknowledgment gate on our side beyond the
	// packets we now send in the new phase.
	k.lowestRecvInPhase = pn
	return pt, nil
}
