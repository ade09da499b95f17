// Package tlsconn defines the contract between the transport and the TLS
// 1.3 handshake engine.  The engine supplies keying material and
// transport-parameter bytes; the transport carries the engine's bytes in
// CRYPTO frames.  The handshake internals are out of scope.
package tlsconn

import (
	"fmt"

	"github.com/m-lab/quic/keys"
)

// Level is the encryption level handshake bytes belong to.  Levels map
// one-to-one onto packet number spaces.
type Level int

// Encryption levels.
const (
	LevelInitial Level = iota
	LevelHandshake
	LevelOneRTT
	NumLevels
)

var levelName = map[Level]string{
	LevelInitial:   "Initial",
	LevelHandshake: "Handshake",
	LevelOneRTT:    "1-RTT",
}

func (l Level) String() string {
	n, ok := levelName[l]
	if !ok {
		return fmt.Sprintf("UNKNOWN_LEVEL_%d", int(l))
	}
	return n
}

// EventKind enumerates what the handshake engine can report.
type EventKind int

// Event kinds.
const (
	// EventKeysReady delivers traffic secrets for a level.
	EventKeysReady EventKind = iota
	// EventTransportParams delivers the peer's transport parameter bytes.
	EventTransportParams
	// EventHandshakeComplete fires when the local handshake state machine
	// has finished.  Servers treat this as confirmation; clients wait for
	// HANDSHAKE_DONE.
	EventHandshakeComplete
	// EventAlert reports a fatal TLS alert; the transport closes with
	// CRYPTO_ERROR 0x0100+alert.
	EventAlert
)

// Event is one state change from the handshake engine.
type Event struct {
	Kind EventKind

	// KeysReady fields.
	Level      Level
	Suite      keys.Suite
	SendSecret []byte
	RecvSecret []byte

	// TransportParams field.
	TransportParams []byte

	// Alert field.
	Alert uint8
}

// Handshaker is the handshake engine the transport drives.  The transport
// calls Receive with reassembled CRYPTO stream bytes, polls Send for bytes
// to transmit, and drains Events after every call.
type Handshaker interface {
	// Start kicks off the handshake; a client produces its first flight.
	Start() error
	// Send returns and consumes pending outbound bytes for a level.
	Send(level Level) []byte
	// Receive feeds in-order CRYPTO bytes received at a level.
	Receive(level Level, data []byte) error
	// Events drains pending state changes.
	Events() []Event
}
