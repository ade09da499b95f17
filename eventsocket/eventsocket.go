// Package eventsocket serves connection lifecycle events to local
// observers over a unix domain socket, in JSONL form.  Events fan out
// through a docker/go-events broadcaster, so additional sinks (logging,
// queues) can subscribe alongside the socket server.
package eventsocket

import (
	"context"
	"fmt"
	"time"

	events "github.com/docker/go-events"
)

// ConnEvent refers to the kind of connection event that has occurred.
type ConnEvent int

const (
	// Open is sent when a connection completes its handshake.
	Open = ConnEvent(iota)
	// Close is sent when a connection is closed.
	Close
	// Migrate is sent when a connection moves to a new peer address, before
	// the new path is validated.
	Migrate
)

var connEventName = map[ConnEvent]string{
	Open:    "Open",
	Close:   "Close",
	Migrate: "Migrate",
}

func (e ConnEvent) String() string {
	n, ok := connEventName[e]
	if !ok {
		return fmt.Sprintf("UNKNOWN_EVENT_%d", int(e))
	}
	return n
}

// FlowEvent is the data that is sent down the socket in JSONL form to the
// clients. The UUID, Timestamp, and Event fields are required, all other
// fields are optional.
type FlowEvent struct {
	Event     ConnEvent
	Timestamp time.Time
	UUID      string
	Local     string `json:",omitempty"`
	Remote    string `json:",omitempty"`
	Reason    string `json:",omitempty"`
}

// Server is the interface that has the methods that actually serve the
// events over the unix domain socket. You should make new Server objects
// with eventsocket.New or eventsocket.NullServer.
type Server interface {
	Listen() error
	Serve(ctx context.Context) error
	ConnOpened(timestamp time.Time, uuid, local, remote string)
	ConnClosed(timestamp time.Time, uuid, reason string)
	ConnMigrated(timestamp time.Time, uuid, remote string)
}

// Broadcaster fans FlowEvents out to any number of event sinks.  The unix
// socket server is one such sink; callers may Add more.
type Broadcaster struct {
	b *events.Broadcaster
}

// NewBroadcaster builds a broadcaster over the given sinks.
func NewBroadcaster(sinks ...events.Sink) *Broadcaster {
	return &Broadcaster{b: events.NewBroadcaster(sinks...)}
}

// Add subscribes another sink.
func (b *Broadcaster) Add(sink events.Sink) {
	b.b.Add(sink)
}

// Write publishes an event to every sink.
func (b *Broadcaster) Write(ev *FlowEvent) error {
	return b.b.Write(ev)
}

// Close shuts down the broadcaster and its sinks.
func (b *Broadcaster) Close() error {
	return b.b.Close()
}

type nullServer struct{}

// Empty implementations that do no harm.
func (nullServer) Listen() error                                               { return nil }
func (nullServer) Serve(context.Context) error                                  { return nil }
func (nullServer) ConnOpened(timestamp time.Time, uuid, local, remote string)  {}
func (nullServer) ConnClosed(timestamp time.Time, uuid, reason string)         {}
func (nullServer) ConnMigrated(timestamp time.Time, uuid, remote string)       {}

// NullServer returns a Server that does nothing. It is made so that code
// that may or may not want to use an eventsocket can receive a Server
// interface and not have to worry about whether it is nil.
func NullServer() Server {
	return nullServer{}
}
