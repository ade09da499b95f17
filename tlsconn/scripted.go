package tlsconn

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/m-lab/quic/keys"
)

// Error types.
var (
	ErrUnexpectedMessage = errors.New("tlsconn: unexpected handshake message")
)

// Scripted message types on the fake CRYPTO stream.
const (
	msgClientHello         = 0x01
	msgServerHello         = 0x02
	msgEncryptedExtensions = 0x03
	msgFinished            = 0x04
)

// Scripted is an in-memory Handshaker for tests.  A pair shares a random
// seed and walks a fixed TLS-1.3-shaped message flow, deriving matching
// traffic secrets on both sides.  It performs no real authentication.
type Scripted struct {
	isClient    bool
	seed        []byte
	localParams []byte
	peerParams  []byte

	out    [NumLevels][]byte
	inBuf  [NumLevels][]byte
	events []Event

	sentFinished bool
	complete     bool

	// FailWithAlert, when nonzero, makes the next Receive report a fatal
	// alert instead of progressing.
	FailWithAlert uint8
}

// NewScriptedPair builds a connected client/server handshaker pair
// carrying the given transport parameter blobs.
func NewScriptedPair(clientParams, serverParams []byte) (client, server *Scripted) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		panic("tlsconn: no entropy: " + err.Error())
	}
	client = &Scripted{isClient: true, seed: seed, localParams: clientParams}
	server = &Scripted{isClient: false, seed: seed, localParams: serverParams}
	return client, server
}

func (s *Scripted) secret(label string) []byte {
	h := sha256.New()
	h.Write(s.seed)
	h.Write([]byte(label))
	return h.Sum(nil)
}

func (s *Scripted) keysFor(level Level) Event {
	var sendLabel, recvLabel string
	switch level {
	case LevelHandshake:
		sendLabel, recvLabel = "client hs", "server hs"
	default:
		sendLabel, recvLabel = "client ap", "server ap"
	}
	if !s.isClient {
		sendLabel, recvLabel = recvLabel, sendLabel
	}
	return Event{
		Kind:       EventKeysReady,
		Level:      level,
		Suite:      keys.AES128GCM,
		SendSecret: s.secret(sendLabel),
		RecvSecret: s.secret(recvLabel),
	}
}

func (s *Scripted) queue(level Level, msgType byte, body []byte) {
	s.out[level] = append(s.out[level], msgType, byte(len(body)>>8), byte(len(body)))
	s.out[level] = append(s.out[level], body...)
}

// SetLocalParams replaces the transport parameter blob before the
// handshake starts, for factories that construct the pair early.
func (s *Scripted) SetLocalParams(params []byte) {
	s.localParams = params
}

// Start implements Handshaker.
func (s *Scripted) Start() error {
	if s.isClient {
		s.queue(LevelInitial, msgClientHello, s.localParams)
	}
	return nil
}

// Send implements Handshaker.
func (s *Scripted) Send(level Level) []byte {
	b := s.out[level]
	s.out[level] = nil
	return b
}

// Receive implements Handshaker.
func (s *Scripted) Receive(level Level, data []byte) error {
	if s.FailWithAlert != 0 {
		s.events = append(s.events, Event{Kind: EventAlert, Alert: s.FailWithAlert})
		return nil
	}
	s.inBuf[level] = append(s.inBuf[level], data...)
	for {
		buf := s.inBuf[level]
		if len(buf) < 3 {
			return nil
		}
		bodyLen := int(buf[1])<<8 | int(buf[2])
		if len(buf) < 3+bodyLen {
			return nil
		}
		msgType := buf[0]
		body := buf[3 : 3+bodyLen]
		s.inBuf[level] = buf[3+bodyLen:]
		if err := s.handle(level, msgType, body); err != nil {
			return err
		}
	}
}

func (s *Scripted) handle(level Level, msgType byte, body []byte) error {
	switch {
	case !s.isClient && msgType == msgClientHello && level == LevelInitial:
		s.peerParams = append([]byte(nil), body...)
		s.events = append(s.events,
			Event{Kind: EventTransportParams, TransportParams: s.peerParams})
		s.queue(LevelInitial, msgServerHello, nil)
		s.events = append(s.events, s.keysFor(LevelHandshake))
		s.queue(LevelHandshake, msgEncryptedExtensions, s.localParams)
		s.queue(LevelHandshake, msgFinished, nil)
		s.sentFinished = true
		s.events = append(s.events, s.keysFor(LevelOneRTT))

	case s.isClient && msgType == msgServerHello && level == LevelInitial:
		s.events = append(s.events, s.keysFor(LevelHandshake))

	case s.isClient && msgType == msgEncryptedExtensions && level == LevelHandshake:
		s.peerParams = append([]byte(nil), body...)
		s.events = append(s.events,
			Event{Kind: EventTransportParams, TransportParams: s.peerParams})

	case s.isClient && msgType == msgFinished && level == LevelHandshake:
		s.events = append(s.events, s.keysFor(LevelOneRTT))
		s.queue(LevelHandshake, msgFinished, nil)
		s.sentFinished = true
		s.complete = true
		s.events = append(s.events, Event{Kind: EventHandshakeComplete})

	case !s.isClient && msgType == msgFinished && level == LevelHandshake:
		s.complete = true
		s.events = append(s.events, Event{Kind: EventHandshakeComplete})

	default:
		return fmt.Errorf("%w: type %#x at %s", ErrUnexpectedMessage, msgType, level)
	}
	return nil
}

// Events implements Handshaker.
func (s *Scripted) Events() []Event {
	e := s.events
	s.events = nil
	return e
}

// Complete reports whether the local handshake finished, for tests.
func (s *Scripted) Complete() bool {
	return s.complete
}
