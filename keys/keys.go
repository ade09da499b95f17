// Package keys implements QUIC packet protection (RFC 9001): the HKDF key
// schedule from TLS traffic secrets, AEAD sealing and opening, header
// protection masks, Initial secrets, the Retry integrity tag, and 1-RTT
// key update phase tracking.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/m-lab/quic/wire"
)

// Error types.
var (
	ErrAeadOpenFailed          = errors.New("keys: AEAD authentication failed")
	ErrHeaderProtectionFailed  = errors.New("keys: datagram too short for header protection sample")
	ErrKeysNotAvailable        = errors.New("keys: no keys installed for this space")
	ErrRetryIntegrity          = errors.New("keys: retry integrity tag mismatch")
	ErrKeyUpdateBeforeConfirm  = errors.New("keys: key update before handshake confirmed")
	ErrKeyUpdateWhilePending   = errors.New("keys: key update initiated before previous update acknowledged")
	ErrDecryptionBehindOldKeys = errors.New("keys: packet protected with retired keys")
)

// Suite identifies the AEAD cipher suite protecting a packet number space.
type Suite int

// Supported suites, matching the TLS 1.3 cipher suites QUIC v1 permits.
const (
	AES128GCM Suite = iota
	AES256GCM
	ChaCha20Poly1305
)

var suiteName = map[Suite]string{
	AES128GCM:        "AES_128_GCM_SHA256",
	AES256GCM:        "AES_256_GCM_SHA384",
	ChaCha20Poly1305: "CHACHA20_POLY1305_SHA256",
}

func (s Suite) String() string {
	n, ok := suiteName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_SUITE_%d", int(s))
	}
	return n
}

func (s Suite) hash() func() hash.Hash {
	if s == AES256GCM {
		return sha512.New384
	}
	return sha256.New
}

func (s Suite) keyLen() int {
	switch s {
	case AES128GCM:
		return 16
	default:
		return 32
	}
}

// AEADOverhead is the tag length every supported AEAD appends.
const AEADOverhead = 16

// SampleLen is the header protection sample size.
const SampleLen = 16

func hkdfExpandLabel(h func() hash.Hash, secret []byte, label string, length int) []byte {
	// struct HkdfLabel from RFC 8446 section 7.1, with the "tls13 " prefix.
	full := "tls13 " + label
	info := make([]byte, 0, 2+1+len(full)+1)
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, 0) // empty Context
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h, secret, info), out); err != nil {
		panic("keys: hkdf expand failed: " + err.Error())
	}
	return out
}

// PacketKey is one direction's AEAD key and IV for one space and phase.
type PacketKey struct {
	aead cipher.AEAD
	iv   [12]byte
}

func newAEAD(suite Suite, key []byte) cipher.AEAD {
	switch suite {
	case ChaCha20Poly1305:
		a, err := chacha20poly1305.New(key)
		if err != nil {
			panic("keys: " + err.Error())
		}
		return a
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			panic("keys: " + err.Error())
		}
		a, err := cipher.NewGCM(block)
		if err != nil {
			panic("keys: " + err.Error())
		}
		return a
	}
}

func newPacketKey(suite Suite, secret []byte) *PacketKey {
	h := suite.hash()
	k := &PacketKey{aead: newAEAD(suite, hkdfExpandLabel(h, secret, "quic key", suite.keyLen()))}
	copy(k.iv[:], hkdfExpandLabel(h, secret, "quic iv", 12))
	return k
}

func (k *PacketKey) nonce(pn wire.PacketNumber) [12]byte {
	var n [12]byte
	copy(n[:], k.iv[:])
	// The packet number is XORed into the right-aligned IV.
	binary.BigEndian.PutUint64(n[4:], binary.BigEndian.Uint64(n[4:])^uint64(pn))
	return n
}

// Seal appends the encrypted payload and tag to hdr, authenticating hdr as
// associated data.
func (k *PacketKey) Seal(hdr, payload []byte, pn wire.PacketNumber) []byte {
	n := k.nonce(pn)
	return k.aead.Seal(hdr, n[:], payload, hdr)
}

// Open decrypts ciphertext into a fresh slice, authenticating hdr.
func (k *PacketKey) Open(hdr, ciphertext []byte, pn wire.PacketNumber) ([]byte, error) {
	n := k.nonce(pn)
	pt, err := k.aead.Open(nil, n[:], ciphertext, hdr)
	if err != nil {
		return nil, ErrAeadOpenFailed
	}
	return pt, nil
}

// HeaderKey computes header protection masks.  It is shared across key
// phases; only a key update of the full TLS secret would replace it.
type HeaderKey struct {
	suite Suite
	key   []byte
	block cipher.Block
}

func newHeaderKey(suite Suite, secret []byte) *HeaderKey {
	hp := hkdfExpandLabel(suite.hash(), secret, "quic hp", suite.keyLen())
	hk := &HeaderKey{suite: suite, key: hp}
	if suite != ChaCha20Poly1305 {
		block, err := aes.NewCipher(hp)
		if err != nil {
			panic("keys: " + err.Error())
		}
		hk.block = block
	}
	return hk
}

func (h *HeaderKey) mask(sample []byte) [5]byte {
	var mask [5]byte
	if h.suite == ChaCha20Poly1305 {
		counter := binary.LittleEndian.Uint32(sample[:4])
		c, err := chacha20.NewUnauthenticatedCipher(h.key, sample[4:16])
		if err != nil {
			panic("keys: " + err.Error())
		}
		c.SetCounter(counter)
		c.XORKeyStream(mask[:], mask[:])
		return mask
	}
	var out [16]byte
	h.block.Encrypt(out[:], sample[:16])
	copy(mask[:], out[:5])
	return mask
}

// Protect applies header protection in place.  pkt holds a complete
// encoded packet; pnOffset is the offset of the packet number field.  The
// packet number length is read from the still-clear first byte.
func (h *HeaderKey) Protect(pkt []byte, pnOffset int) {
	pnLen := int(pkt[0]&0x03) + 1
	sample := pkt[pnOffset+4 : pnOffset+4+SampleLen]
	mask := h.mask(sample)
	if wire.IsLongHeader(pkt[0]) {
		pkt[0] ^= mask[0] & 0x0f
	} else {
		pkt[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		pkt[pnOffset+i] ^= mask[1+i]
	}
}

// Unprotect removes header protection in place and returns the decrypted
// first byte and packet number length.
func (h *HeaderKey) Unprotect(pkt []byte, pnOffset int) (fb byte, pnLen int, err error) {
	if len(pkt) < pnOffset+4+SampleLen {
		return 0, 0, ErrHeaderProtectionFailed
	}
	sample := pkt[pnOffset+4 : pnOffset+4+SampleLen]
	mask := h.mask(sample)
	fb = pkt[0]
	if wire.IsLongHeader(fb) {
		fb ^= mask[0] & 0x0f
	} else {
		fb ^= mask[0] & 0x1f
	}
	pkt[0] = fb
	pnLen = int(fb&0x03) + 1
	if len(pkt) < pnOffset+pnLen {
		return 0, 0, ErrHeaderProtectionFailed
	}
	for i := 0; i < pnLen; i++ {
		pkt[pnOffset+i] ^= mask[1+i]
	}
	return fb, pnLen, nil
}

// Keys bundles one direction's packet and header keys.
type Keys struct {
	Packet *PacketKey
	Header *HeaderKey
}

// DeriveKeys expands a TLS traffic secret into packet protection keys.
func DeriveKeys(suite Suite, trafficSecret []byte) Keys {
	return Keys{
		Packet: newPacketKey(suite, trafficSecret),
		Header: newHeaderKey(suite, trafficSecret),
	}
}

// initialSalt is the QUIC v1 Initial salt (RFC 9001 section 5.2).
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

// InitialKeys derives both directions' Initial space keys from the client's
// first destination connection ID.  side selects which direction is "send".
func InitialKeys(dcid wire.ConnectionID, side wire.Side) (send, recv Keys) {
	initialSecret := hkdf.Extract(sha256.New, dcid, initialSalt)
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", 32)
	serverSecret := hkdfExpandLabel(sha256.New, initialSecret, "server in", 32)
	client := DeriveKeys(AES128GCM, clientSecret)
	server := DeriveKeys(AES128GCM, serverSecret)
	if side == wire.ClientSide {
		return client, server
	}
	return server, client
}

// NextUpdateSecret derives the traffic secret for the next key phase.
func NextUpdateSecret(suite Suite, secret []byte) []byte {
	return hkdfExpandLabel(suite.hash(), secret, "quic ku", len(secret))
}

// Retry integrity key and nonce for QUIC v1 (RFC 9001 section 5.8).
var (
	retryKey   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonce = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

// RetryTag computes the integrity tag over a Retry pseudo-packet
// (wire.RetryPseudoPacket output).
func RetryTag(pseudo []byte) (tag [16]byte) {
	a := newAEAD(AES128GCM, retryKey)
	out := a.Seal(nil, retryNonce, nil, pseudo)
	copy(tag[:], out)
	return tag
}

// VerifyRetryTag checks a received Retry packet's tag against the original
// destination connection ID the client sent.
func VerifyRetryTag(pseudo []byte, tag [16]byte) error {
	want := RetryTag(pseudo)
	var diff byte
	for i := range want {
		diff |= want[i] ^ tag[i]
	}
	if diff != 0 {
		return ErrRetryIntegrity
	}
	return nil
}
