package endpoint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"net"
	"time"

	"github.com/m-lab/quic/wire"
)

// Error types for address validation tokens.
var (
	ErrBadToken = errors.New("endpoint: invalid address validation token")
)

// Token lifetimes: Retry tokens answer an in-flight handshake and stay
// valid briefly; NEW_TOKEN tokens serve future connections.
const (
	retryTokenLifetime    = 30 * time.Second
	newTokenLifetime      = 24 * time.Hour
	tokenKindRetry   byte = 0x01
	tokenKindResume  byte = 0x02
)

// tokenSealer mints and validates the tokens a server hands out in Retry
// packets.  Tokens bind the client address and the original destination
// connection ID under an endpoint-wide AEAD key, so a returned token
// proves the client owns its address.
type tokenSealer struct {
	aead cipher.AEAD
}

func newTokenSealer() *tokenSealer {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		panic("endpoint: no entropy for token key: " + err.Error())
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic("endpoint: " + err.Error())
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic("endpoint: " + err.Error())
	}
	return &tokenSealer{aead: aead}
}

func tokenPlaintext(kind byte, odcid wire.ConnectionID, issued time.Time) []byte {
	b := make([]byte, 0, 10+len(odcid))
	b = append(b, kind)
	ts := issued.Unix()
	for i := 7; i >= 0; i-- {
		b = append(b, byte(ts>>(8*i)))
	}
	b = append(b, byte(len(odcid)))
	return append(b, odcid...)
}

// mint seals a token for the client at addr.  Retry tokens bind the
// original destination connection ID; resumption (NEW_TOKEN) tokens
// carry none.
func (t *tokenSealer) mint(kind byte, addr *net.UDPAddr, odcid wire.ConnectionID, now time.Time) []byte {
	nonce := make([]byte, t.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic("endpoint: no entropy for token nonce: " + err.Error())
	}
	return t.aead.Seal(nonce, nonce, tokenPlaintext(kind, odcid, now), []byte(addr.IP.String()))
}

// validate opens a token presented from addr.  For a Retry token it
// returns the original destination connection ID; for a resumption token
// the ID is nil.
func (t *tokenSealer) validate(token []byte, addr *net.UDPAddr, now time.Time) (kind byte, odcid wire.ConnectionID, err error) {
	ns := t.aead.NonceSize()
	if len(token) < ns+16 {
		return 0, nil, ErrBadToken
	}
	pt, err := t.aead.Open(nil, token[:ns], token[ns:], []byte(addr.IP.String()))
	if err != nil {
		return 0, nil, ErrBadToken
	}
	if len(pt) < 10 {
		return 0, nil, ErrBadToken
	}
	kind = pt[0]
	var ts int64
	for i := 1; i < 9; i++ {
		ts = ts<<8 | int64(pt[i])
	}
	issued := time.Unix(ts, 0)
	lifetime := retryTokenLifetime
	if kind == tokenKindResume {
		lifetime = newTokenLifetime
	}
	if now.Sub(issued) > lifetime || issued.After(now.Add(time.Minute)) {
		return 0, nil, ErrBadToken
	}
	odcidLen := int(pt[9])
	if len(pt) != 10+odcidLen || odcidLen > wire.MaxConnectionIDLen {
		return 0, nil, ErrBadToken
	}
	if kind == tokenKindRetry && odcidLen == 0 {
		return 0, nil, ErrBadToken
	}
	return kind, wire.ConnectionID(pt[10:]), nil
}
