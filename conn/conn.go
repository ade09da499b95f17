// Package conn implements the per-connection driver: it ties the codec,
// key schedule, recovery, congestion control, streams, connection IDs and
// paths into one state machine.  The machine is sans-I/O: the endpoint
// feeds it datagrams and timeouts and polls it for datagrams to send.
// All state-machine methods must be called from a single driver
// goroutine; the application-facing stream API is safe from any
// goroutine.
package conn

import (
	"crypto/subtle"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/m-lab/quic/ackranges"
	"github.com/m-lab/quic/cid"
	"github.com/m-lab/quic/congestion"
	"github.com/m-lab/quic/flowcontrol"
	"github.com/m-lab/quic/keys"
	"github.com/m-lab/quic/metrics"
	"github.com/m-lab/quic/path"
	"github.com/m-lab/quic/recovery"
	"github.com/m-lab/quic/stream"
	"github.com/m-lab/quic/tlsconn"
	"github.com/m-lab/quic/wire"
)

// Error types.
var (
	ErrClosed       = errors.New("conn: connection closed")
	ErrNotConfirmed = errors.New("conn: handshake not yet confirmed")
)

// maxBufferedDatagrams bounds datagrams held while keys are pending.
const maxBufferedDatagrams = 8

// cryptoBufferLimit bounds out-of-order CRYPTO bytes per space.
const cryptoBufferLimit = 1 << 16

// Config assembles a connection.
type Config struct {
	Side       wire.Side
	Handshaker tlsconn.Handshaker

	// LocalParams are our transport parameters; the connection fills the
	// connection ID fields before marshalling.
	LocalParams *wire.TransportParameters

	// OriginalDCID is the client-chosen destination ID of the first
	// Initial packet; both sides derive Initial keys from it.
	OriginalDCID wire.ConnectionID
	// LocalCID is our source connection ID (sequence 0).
	LocalCID wire.ConnectionID
	// RemoteCID is the peer connection ID to address packets to at first.
	RemoteCID wire.ConnectionID

	// RetryToken is included in client Initial packets after a Retry.
	RetryToken []byte
	// RetrySCID is the server CID from a Retry packet, for parameter
	// validation.
	RetrySCID wire.ConnectionID

	Local  *net.UDPAddr
	Remote *net.UDPAddr

	CIDGen      cid.Generator
	TokenSource cid.TokenSource
	Controller  congestion.Controller

	MaxMTU        int
	MaxSendBuffer int
	KeepAlive     bool

	// UUID names the connection in logs, events and traces.
	UUID string

	// OnHandshakeConfirmed, OnClosed and OnMigrated let the endpoint
	// observe lifecycle changes.  All run on the driver goroutine.
	OnHandshakeConfirmed func()
	OnClosed             func(reason string)
	OnMigrated           func(remote *net.UDPAddr)
	// OnNewToken delivers NEW_TOKEN values to the client application.
	OnNewToken func(token []byte)
	// MintToken, on servers, produces the address validation token sent
	// to the client in a NEW_TOKEN frame after the handshake confirms.
	MintToken func() []byte
	// OnCIDAdded / OnCIDRetired keep the endpoint routing table current.
	OnCIDAdded   func(id wire.ConnectionID, tok wire.StatelessResetToken)
	OnCIDRetired func(id wire.ConnectionID)
}

// pnsState is the per-packet-number-space connection state.
type pnsState struct {
	space recovery.Space

	send   *keys.Keys
	recv   *keys.Keys
	oneRTT *keys.OneRTTKeys // ApplicationData only

	nextPN      wire.PacketNumber
	largestRecv wire.PacketNumber
	recvSet     ackranges.Set

	largestRecvTime    time.Time
	ackEliciting       int  // ack-eliciting packets since last ACK sent
	ackQueued          bool // send an ACK as soon as possible
	ackDelayDeadline   time.Time
	sentAckElicitingPN wire.PacketNumber

	cryptoSend stream.SendBuffer
	cryptoRecv stream.Reassembly

	probes int // PTO probe packets owed

	buffered  [][]byte // datagrams awaiting keys
	discarded bool
}

func (p *pnsState) hasSendKeys() bool {
	return !p.discarded && (p.send != nil || p.oneRTT != nil)
}

func (p *pnsState) hasRecvKeys() bool {
	return !p.discarded && (p.recv != nil || p.oneRTT != nil)
}

// Conn is one QUIC connection.
type Conn struct {
	cfg  Config
	side wire.Side
	log  *logrus.Entry

	mu sync.Mutex

	spaces [3]pnsState

	rec   *recovery.Recovery
	cc    congestion.Controller
	pacer *congestion.Pacer

	streams    *stream.Map
	connFCSend *flowcontrol.Sender
	connFCRecv *flowcontrol.Receiver
	maxDataDue bool

	localCIDs  *cid.Local
	remoteCIDs *cid.Remote

	activePath    *path.Path
	candidatePath *path.Path
	otherPaths    map[string]*path.Path
	respQueue     []pathResponse

	peerParams *wire.TransportParameters
	retried    bool
	hsComplete bool
	hsConfirmed bool
	handshakeDoneDue bool
	startTime   time.Time

	// control is the queue of connection-level frames to (re)transmit.
	control []wire.Frame

	idleTimeout   time.Duration
	lastActivity  time.Time
	keepaliveSent bool

	closeFrame   *wire.ConnectionCloseFrame
	closeDue     bool
	closeRecvCnt int
	drainUntil   time.Time
	draining     bool
	closed       bool
	closeReason  string
	closeErr     error

	wakeC chan struct{}

	// consumed accumulates application stream reads, folded into
	// connection flow control by the driver (see DataConsumed).
	consumed uint64
	// peerCE is the last ECN-CE count reported by the peer.
	peerCE uint64

	// Stats for tracing.
	bytesSent     uint64
	bytesReceived uint64
	packetsLost   uint64
}

type pathResponse struct {
	data   [8]byte
	remote *net.UDPAddr
}

// LocalParamBytes marshals the transport parameters the handshake engine
// carries for this connection, filling the connection ID fields from the
// config.  The endpoint calls it before constructing the Handshaker.
func LocalParamBytes(cfg *Config) []byte {
	params := *cfg.LocalParams
	params.InitialSourceCID = cfg.LocalCID
	params.HasInitialSourceCID = true
	if cfg.Side == wire.ServerSide {
		params.OriginalDestinationCID = cfg.OriginalDCID
		params.HasOriginalDestCID = true
		tok := cfg.TokenSource.Token(cfg.LocalCID)
		params.StatelessResetToken = &tok
		if len(cfg.RetrySCID) > 0 {
			params.RetrySourceCID = cfg.RetrySCID
			params.HasRetrySourceCID = true
		}
	}
	return params.Marshal(cfg.Side)
}

// New builds a connection and starts its handshake.
func New(cfg Config) (*Conn, error) {
	c := &Conn{
		cfg:   cfg,
		side:  cfg.Side,
		wakeC: make(chan struct{}, 1),
		log: logrus.WithFields(logrus.Fields{
			"conn":   cfg.UUID,
			"side":   cfg.Side.String(),
			"remote": cfg.Remote.String(),
		}),
	}
	for i := range c.spaces {
		c.spaces[i].space = recovery.Space(i)
		c.spaces[i].largestRecv = wire.InvalidPacketNumber
		c.spaces[i].sentAckElicitingPN = wire.InvalidPacketNumber
	}

	initialDCID := cfg.OriginalDCID
	if cfg.Side == wire.ServerSide && len(cfg.RetrySCID) > 0 {
		// After a Retry the client keys its Initials off our Retry SCID.
		initialDCID = cfg.RetrySCID
	}
	send, recv := keys.InitialKeys(initialDCID, cfg.Side)
	c.spaces[recovery.SpaceInitial].send = &send
	c.spaces[recovery.SpaceInitial].recv = &recv

	c.rec = recovery.New(cfg.Side)
	c.cc = cfg.Controller
	if c.cc == nil {
		c.cc = congestion.NewCubic(path.BaseMTU)
	}
	c.pacer = congestion.NewPacer(path.BaseMTU, func() (int, time.Duration) {
		return c.cc.CWND(), c.rec.RTT.SmoothedRTT()
	})

	c.connFCSend = flowcontrol.NewSender(0)
	c.connFCRecv = flowcontrol.NewReceiver(cfg.LocalParams.InitialMaxData)

	c.streams = stream.NewMap(cfg.Side, stream.MapConfig{
		Stream: stream.Config{
			RecvWindow:    cfg.LocalParams.InitialMaxStreamDataBidiLocal,
			MaxSendBuffer: cfg.MaxSendBuffer,
		},
		LocalMaxBidi: cfg.LocalParams.InitialMaxStreamsBidi,
		LocalMaxUni:  cfg.LocalParams.InitialMaxStreamsUni,
	}, c)

	c.localCIDs = cid.NewLocal(cfg.LocalCID, cfg.CIDGen, cfg.TokenSource, cfg.OnCIDAdded, cfg.OnCIDRetired)
	c.remoteCIDs = cid.NewRemote(cfg.RemoteCID, cfg.LocalParams.ActiveConnectionIDLimit)

	c.activePath = path.New(cfg.Local, cfg.Remote, cfg.MaxMTU)
	if cfg.Side == wire.ClientSide {
		// The client knows the server's address is genuine.
		c.activePath.MarkValidated()
	}

	c.idleTimeout = cfg.LocalParams.MaxIdleTimeout

	c.startTime = time.Now()
	c.lastActivity = c.startTime
	if err := cfg.Handshaker.Start(); err != nil {
		return nil, err
	}
	c.driveHandshaker(c.startTime)
	return c, nil
}

// Wake implements stream.Notifier: there is something to transmit.
func (c *Conn) Wake() {
	select {
	case c.wakeC <- struct{}{}:
	default:
	}
}

// StreamDone implements stream.Notifier.
func (c *Conn) StreamDone(id wire.StreamID) {
	c.streams.StreamDone(id)
	c.Wake()
}

// WakeChan is the endpoint's signal that the connection wants to send.
func (c *Conn) WakeChan() <-chan struct{} {
	return c.wakeC
}

// UUID returns the connection's trace identifier.
func (c *Conn) UUID() string {
	return c.cfg.UUID
}

// OpenStream opens a new bidirectional stream.
func (c *Conn) OpenStream() (*stream.Stream, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	s, err := c.streams.Open(true)
	if err == nil {
		metrics.StreamsOpened.WithLabelValues(c.side.String(), "bidi").Inc()
	}
	return s, err
}

// OpenUniStream opens a new unidirectional stream.
func (c *Conn) OpenUniStream() (*stream.Stream, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	s, err := c.streams.Open(false)
	if err == nil {
		metrics.StreamsOpened.WithLabelValues(c.side.String(), "uni").Inc()
	}
	return s, err
}

// AcceptStream returns the channel of peer-opened streams.
func (c *Conn) AcceptStream() <-chan *stream.Stream {
	return c.streams.Accept()
}

// HandshakeConfirmed reports whether the handshake has been confirmed.
func (c *Conn) HandshakeConfirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hsConfirmed
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.draining
}

// IsClosed reports whether the connection has fully terminated.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseErr returns the terminal error after close.
func (c *Conn) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close begins an immediate close with an application error code.
func (c *Conn) Close(code uint64, reason string) {
	c.mu.Lock()
	if c.closeFrame == nil && !c.draining && !c.closed {
		c.closeFrame = &wire.ConnectionCloseFrame{IsApp: true, Code: code, Reason: reason}
		c.closeDue = true
		c.closeErr = &wire.AppError{Code: code, Reason: reason}
		c.closeReason = "application"
	}
	c.mu.Unlock()
	c.Wake()
}

// closeWithError terminates with a transport error of our own detection.
func (c *Conn) closeWithError(te *wire.TransportError) {
	c.mu.Lock()
	if c.closeFrame == nil && !c.draining && !c.closed {
		c.closeFrame = &wire.ConnectionCloseFrame{
			Code:      uint64(te.Code),
			FrameType: te.FrameType,
			Reason:    te.Reason,
		}
		c.closeDue = true
		c.closeErr = te
		c.closeReason = te.Code.String()
		c.log.WithField("code", te.Code.String()).Warn("closing connection: ", te.Reason)
	}
	c.mu.Unlock()
	c.Wake()
}

// EnterDraining is invoked when the peer is known to have abandoned the
// connection (stateless reset, CONNECTION_CLOSE, or version mismatch).
func (c *Conn) EnterDraining(now time.Time, err error, reason string) {
	c.mu.Lock()
	c.drainingLocked(now, err, reason)
	c.mu.Unlock()
}

func (c *Conn) finalize() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	reason := c.closeReason
	if reason == "" {
		reason = "unknown"
	}
	c.mu.Unlock()

	metrics.ConnectionsClosed.With(prometheus.Labels{"reason": reason}).Inc()
	metrics.SmoothedRTTHistogram.Observe(c.rec.RTT.SmoothedRTT().Seconds())
	metrics.CwndHistogram.Observe(float64(c.cc.CWND()))
	c.streams.All(func(s *stream.Stream) { s.OnConnectionClosed(ErrClosed) })
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(reason)
	}
	c.log.Info("connection closed: ", reason)
}

// MatchesResetToken reports whether tok equals, in constant time, any
// stateless reset token the peer registered for this connection.
func (c *Conn) MatchesResetToken(tok wire.StatelessResetToken) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	match := false
	for _, t := range c.remoteCIDs.Tokens() {
		if subtle.ConstantTimeCompare(t[:], tok[:]) == 1 {
			match = true
		}
	}
	return match
}

// RotateCID switches to a fresh peer-issued connection ID, if one is
// available.
func (c *Conn) RotateCID() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.remoteCIDs.Rotate()
	if ok {
		c.Wake()
	}
	return ok
}

// UpdateKey initiates a 1-RTT key update.
func (c *Conn) UpdateKey(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	app := &c.spaces[recovery.SpaceAppData]
	if app.oneRTT == nil || !c.hsConfirmed {
		return ErrNotConfirmed
	}
	return app.oneRTT.Initiate(now, 3*c.rec.PTO(recovery.SpaceAppData))
}

// Stats returns counters for tracing.
func (c *Conn) Stats() (bytesSent, bytesReceived, packetsLost uint64, cwnd, inFlight, mtu int, srtt, minRTT time.Duration, streams int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSent, c.bytesReceived, c.packetsLost,
		c.cc.CWND(), c.cc.BytesInFlight(), c.activePath.MTU.Current(),
		c.rec.RTT.SmoothedRTT(), c.rec.RTT.MinRTT(), c.streams.Len()
}
