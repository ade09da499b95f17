// Package endpoint owns the UDP socket contract: it routes incoming
// datagrams to connections by destination connection ID (or 4-tuple),
// creates server connections from valid Initials, performs Retry address
// validation, emits and detects stateless resets, and drives each
// connection's state machine on its own goroutine.
package endpoint

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/m-lab/quic/cid"
	"github.com/m-lab/quic/config"
	"github.com/m-lab/quic/conn"
	"github.com/m-lab/quic/eventsocket"
	"github.com/m-lab/quic/keys"
	"github.com/m-lab/quic/metrics"
	"github.com/m-lab/quic/tlsconn"
	"github.com/m-lab/quic/trace"
	"github.com/m-lab/quic/udpio"
	"github.com/m-lab/quic/wire"
)

// Error types.
var (
	ErrEndpointClosed = errors.New("endpoint: closed")
)

// HandshakerFactory builds the TLS collaborator for a new connection.
// paramBytes is the marshalled transport parameter blob the handshaker
// must carry to the peer.
type HandshakerFactory func(side wire.Side, serverName string, paramBytes []byte) tlsconn.Handshaker

// connEntry tracks one connection and its ingress queue.
type connEntry struct {
	c      *conn.Conn
	in     chan udpio.Datagram
	cancel context.CancelFunc
}

// Endpoint multiplexes connections over one UDP socket.
type Endpoint struct {
	sock    *udpio.Socket
	cfg     config.Config
	factory HandshakerFactory
	log     *logrus.Entry

	gen    cid.Generator
	tokens cid.TokenSource
	retry  *tokenSealer

	events eventsocket.Server
	tracer *trace.Saver

	mu         sync.Mutex
	conns      map[string]*connEntry // keyed by string(DCID)
	owners     map[*conn.Conn]*connEntry
	tokenCache map[string][]byte // NEW_TOKEN values by server IP
	closed     bool

	acceptC chan *conn.Conn

	wg sync.WaitGroup
}

// New wraps a UDP socket in an endpoint.
func New(sock *udpio.Socket, cfg config.Config, factory HandshakerFactory) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		sock:    sock,
		cfg:     cfg,
		factory: factory,
		log:     logrus.WithField("endpoint", xid.New().String()),
		gen:     &cid.RandomGenerator{Length: cfg.ConnectionIDLength},
		tokens:  cid.NewHMACTokenSource(),
		retry:   newTokenSealer(),
		events:  eventsocket.NullServer(),
		conns:   make(map[string]*connEntry),
		owners:  make(map[*conn.Conn]*connEntry),
		acceptC: make(chan *conn.Conn, 16),
	}
	if cfg.EventSocket != "" {
		e.events = eventsocket.New(cfg.EventSocket)
		if err := e.events.Listen(); err != nil {
			return nil, err
		}
	}
	if cfg.TraceDir != "" {
		var err error
		e.tracer, err = trace.NewSaver(cfg.TraceDir)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Accept returns the channel of handshake-confirmed server connections.
func (e *Endpoint) Accept() <-chan *conn.Conn {
	return e.acceptC
}

// Run receives datagrams and dispatches them until the context ends.
func (e *Endpoint) Run(ctx context.Context) error {
	if e.cfg.EventSocket != "" {
		go e.events.Serve(ctx)
	}
	in := make(chan udpio.Datagram, 128)
	go e.sock.Run(ctx, in)
	for d := range in {
		e.dispatch(ctx, d)
	}
	e.shutdown()
	return ctx.Err()
}

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	e.closed = true
	entries := make([]*connEntry, 0, len(e.owners))
	for _, entry := range e.owners {
		entries = append(entries, entry)
	}
	e.mu.Unlock()
	for _, entry := range entries {
		entry.cancel()
	}
	e.wg.Wait()
	if e.tracer != nil {
		e.tracer.CloseAll()
	}
}

// dispatch routes one datagram.
func (e *Endpoint) dispatch(ctx context.Context, d udpio.Datagram) {
	if len(d.Data) == 0 {
		return
	}
	var dcid wire.ConnectionID
	isLong := wire.IsLongHeader(d.Data[0])
	hdr, _, err := wire.ParseHeaderPrefix(d.Data, e.cfg.ConnectionIDLength)
	if err != nil && err != wire.ErrUnknownVersion {
		metrics.DatagramsReceived.WithLabelValues("unparseable").Inc()
		return
	}
	dcid = hdr.DstID

	e.mu.Lock()
	entry, ok := e.conns[string(dcid)]
	e.mu.Unlock()
	if ok {
		metrics.DatagramsReceived.WithLabelValues("routed").Inc()
		select {
		case entry.in <- d:
		default:
			metrics.DatagramsReceived.WithLabelValues("queue full").Inc()
		}
		return
	}

	if isLong && err == wire.ErrUnknownVersion && e.factory != nil {
		// Offer version negotiation for long headers we cannot speak.
		vn := wire.AppendVersionNegotiation(nil, hdr.SrcID, hdr.DstID, wire.Version1)
		e.sock.WriteTo(vn, d.Remote, wire.ECNNotECT, 0)
		metrics.DatagramsReceived.WithLabelValues("unknown version").Inc()
		return
	}

	if isLong && hdr.Type == wire.TypeInitial && len(d.Data) >= wire.MinInitialDatagramSize {
		e.handleNewInitial(ctx, d, hdr)
		return
	}

	// Unroutable: a stateless reset from a peer that lost state?
	if e.detectStatelessReset(d) {
		metrics.DatagramsReceived.WithLabelValues("stateless reset").Inc()
		return
	}
	// Or a stray short header packet for state we no longer hold: answer
	// with a stateless reset of our own.
	if !isLong && len(d.Data) >= 21+e.cfg.ConnectionIDLength {
		e.sendStatelessReset(dcid, d.Remote)
		return
	}
	metrics.DatagramsReceived.WithLabelValues("dropped").Inc()
}

// handleNewInitial performs admission for a client Initial, optionally via
// Retry, then creates the server connection.
func (e *Endpoint) handleNewInitial(ctx context.Context, d udpio.Datagram, hdr *wire.Header) {
	now := time.Now()
	odcid := append(wire.ConnectionID(nil), hdr.DstID...)
	retried := wire.ConnectionID(nil)

	if len(hdr.Token) > 0 {
		kind, orig, err := e.retry.validate(hdr.Token, d.Remote, now)
		switch {
		case err != nil && e.cfg.RequireRetry:
			metrics.ErrorCount.With(prometheus.Labels{"type": "bad retry token"}).Inc()
			return
		case err != nil:
			// A stale resumption token falls back to an ordinary
			// handshake.
		case kind == tokenKindRetry:
			// The keys for this Initial were derived from our Retry SCID,
			// which is the DCID the client now uses.
			retried = odcid
			odcid = append(wire.ConnectionID(nil), orig...)
		}
	} else if e.cfg.RequireRetry {
		e.sendRetry(d, hdr, now)
		return
	}

	localCID, err := e.gen.Generate()
	if err != nil {
		return
	}

	uuid := xid.New().String()
	cfg := conn.Config{
		Side:         wire.ServerSide,
		LocalParams:  e.cfg.TransportParameters(),
		OriginalDCID: odcid,
		LocalCID:     localCID,
		RemoteCID:    append(wire.ConnectionID(nil), hdr.SrcID...),
		RetrySCID:    retried,
		Local:        d.Local,
		Remote:       d.Remote,
		CIDGen:       e.gen,
		TokenSource:  e.tokens,
		MaxMTU:       e.cfg.MaxMTU,
		MaxSendBuffer: e.cfg.MaxSendBuffer,
		KeepAlive:    e.cfg.KeepAlive,
		UUID:         uuid,
	}
	cfg.MintToken = func() []byte {
		return e.retry.mint(tokenKindResume, d.Remote, nil, time.Now())
	}
	cfg.Handshaker = e.factory(wire.ServerSide, "", conn.LocalParamBytes(&cfg))

	_, entry, err := e.install(ctx, &cfg, hdr.DstID)
	if err != nil {
		e.log.Warn("could not create connection: ", err)
		return
	}
	metrics.ConnectionsAccepted.Inc()
	e.log.WithFields(logrus.Fields{"conn": uuid, "remote": d.Remote.String()}).Info("accepted connection")
	entry.in <- d
}

// install builds the connection, registers its routes, and starts its
// driver goroutine.
func (e *Endpoint) install(ctx context.Context, cfg *conn.Config, extraRoute wire.ConnectionID) (*conn.Conn, *connEntry, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, ErrEndpointClosed
	}
	e.mu.Unlock()

	entry := &connEntry{in: make(chan udpio.Datagram, 64)}
	var c *conn.Conn

	cfg.OnCIDAdded = func(id wire.ConnectionID, _ wire.StatelessResetToken) {
		e.mu.Lock()
		e.conns[string(id)] = entry
		e.mu.Unlock()
	}
	cfg.OnCIDRetired = func(id wire.ConnectionID) {
		e.mu.Lock()
		delete(e.conns, string(id))
		e.mu.Unlock()
	}
	cfg.OnHandshakeConfirmed = func() {
		e.events.ConnOpened(time.Now(), cfg.UUID, cfg.Local.String(), cfg.Remote.String())
		if e.tracer != nil {
			e.tracer.Open(cfg.UUID, time.Now())
		}
		if cfg.Side == wire.ServerSide {
			select {
			case e.acceptC <- c:
			default:
			}
		}
	}
	cfg.OnMigrated = func(remote *net.UDPAddr) {
		e.events.ConnMigrated(time.Now(), cfg.UUID, remote.String())
	}
	cfg.OnClosed = func(reason string) {
		e.events.ConnClosed(time.Now(), cfg.UUID, reason)
		if e.tracer != nil {
			e.tracer.Close(cfg.UUID)
		}
	}

	var err error
	c, err = conn.New(*cfg)
	if err != nil {
		return nil, nil, err
	}
	entry.c = c

	connCtx, cancel := context.WithCancel(ctx)
	entry.cancel = cancel
	e.mu.Lock()
	e.owners[c] = entry
	if len(extraRoute) > 0 {
		e.conns[string(extraRoute)] = entry
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.driveConn(connCtx, entry)
	return c, entry, nil
}

// Dial opens a client connection to remote.
func (e *Endpoint) Dial(ctx context.Context, remote *net.UDPAddr, serverName string) (*conn.Conn, error) {
	odcid := make(wire.ConnectionID, 8)
	if _, err := rand.Read(odcid); err != nil {
		return nil, err
	}
	localCID, err := e.gen.Generate()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cachedToken := e.tokenCache[remote.IP.String()]
	e.mu.Unlock()
	cfg := conn.Config{
		Side:          wire.ClientSide,
		LocalParams:   e.cfg.TransportParameters(),
		OriginalDCID:  odcid,
		LocalCID:      localCID,
		RemoteCID:     odcid,
		Local:         e.sock.LocalAddr(),
		Remote:        remote,
		CIDGen:        e.gen,
		TokenSource:   e.tokens,
		MaxMTU:        e.cfg.MaxMTU,
		MaxSendBuffer: e.cfg.MaxSendBuffer,
		KeepAlive:     e.cfg.KeepAlive,
		UUID:          xid.New().String(),
		RetryToken:    cachedToken,
	}
	cfg.OnNewToken = func(token []byte) {
		e.mu.Lock()
		if e.tokenCache == nil {
			e.tokenCache = make(map[string][]byte)
		}
		e.tokenCache[remote.IP.String()] = token
		e.mu.Unlock()
	}
	cfg.Handshaker = e.factory(wire.ClientSide, serverName, conn.LocalParamBytes(&cfg))

	c, _, err := e.install(ctx, &cfg, nil)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"conn": cfg.UUID, "remote": remote.String()}).Info("dialing")
	return c, nil
}

// driveConn is the per-connection event loop.
func (e *Endpoint) driveConn(ctx context.Context, entry *connEntry) {
	defer e.wg.Done()
	c := entry.c
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	sample := time.NewTicker(time.Second)
	defer sample.Stop()

	for {
		now := time.Now()
		for {
			t := c.PollTransmit(now)
			if t == nil {
				break
			}
			if err := e.sock.WriteTo(t.Data, t.Remote, t.ECN, 0); err != nil {
				// Socket failures are retried on the next wakeup; the
				// idle timer bounds a dead path.
				e.log.Debug("send failed: ", err)
				break
			}
		}
		if c.IsClosed() {
			e.remove(c)
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next := c.NextTimeout(now); !next.IsZero() {
			d := next.Sub(now)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case d := <-entry.in:
			c.HandleDatagram(d.Timestamp, d.Data, d.Local, d.Remote, d.ECN)
		case <-timer.C:
			c.HandleTimeout(time.Now())
		case <-c.WakeChan():
		case <-sample.C:
			e.recordSample(c)
		case <-ctx.Done():
			c.Close(0, "endpoint shutting down")
			for i := 0; i < 4; i++ {
				if t := c.PollTransmit(time.Now()); t != nil {
					e.sock.WriteTo(t.Data, t.Remote, t.ECN, 0)
				}
			}
			e.remove(c)
			return
		}
	}
}

func (e *Endpoint) recordSample(c *conn.Conn) {
	if e.tracer == nil || !c.HandshakeConfirmed() {
		return
	}
	sent, recvd, lost, cwnd, inFlight, mtu, srtt, minRTT, streams := c.Stats()
	e.tracer.Record(c.UUID(), trace.Sample{
		TimestampMs:   time.Now().UnixMilli(),
		SmoothedRTTMs: float64(srtt.Microseconds()) / 1000,
		MinRTTMs:      float64(minRTT.Microseconds()) / 1000,
		Cwnd:          cwnd,
		BytesInFlight: inFlight,
		BytesSent:     sent,
		BytesReceived: recvd,
		PacketsLost:   lost,
		PTOCount:      0,
		MTU:           mtu,
		Streams:       streams,
	})
}

// remove drops a closed connection's routes.
func (e *Endpoint) remove(c *conn.Conn) {
	e.mu.Lock()
	entry := e.owners[c]
	delete(e.owners, c)
	for k, v := range e.conns {
		if v == entry {
			delete(e.conns, k)
		}
	}
	e.mu.Unlock()
}

// sendRetry answers an Initial with a Retry carrying a sealed address
// validation token.
func (e *Endpoint) sendRetry(d udpio.Datagram, hdr *wire.Header, now time.Time) {
	scid, err := e.gen.Generate()
	if err != nil {
		return
	}
	token := e.retry.mint(tokenKindRetry, d.Remote, hdr.DstID, now)
	pseudo := wire.RetryPseudoPacket(hdr.DstID, wire.Version1, hdr.SrcID, scid, token)
	tag := keys.RetryTag(pseudo)
	pkt := wire.AppendRetry(nil, wire.Version1, hdr.SrcID, scid, token, tag)
	e.sock.WriteTo(pkt, d.Remote, wire.ECNNotECT, 0)
	metrics.RetrySent.Inc()
}

// detectStatelessReset checks an unroutable datagram's trailing 16 bytes
// against the reset tokens our connections' peers registered.
func (e *Endpoint) detectStatelessReset(d udpio.Datagram) bool {
	if len(d.Data) < 21 {
		return false
	}
	var tok wire.StatelessResetToken
	copy(tok[:], d.Data[len(d.Data)-16:])

	e.mu.Lock()
	entries := make([]*connEntry, 0, len(e.owners))
	for _, entry := range e.owners {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	for _, entry := range entries {
		if entry.c.MatchesResetToken(tok) {
			e.log.WithField("conn", entry.c.UUID()).Warn("stateless reset received")
			entry.c.EnterDraining(time.Now(), conn.ErrClosed, "stateless reset")
			return true
		}
	}
	return false
}

// sendStatelessReset emits a reset for connection state we do not have.
func (e *Endpoint) sendStatelessReset(dcid wire.ConnectionID, remote *net.UDPAddr) {
	if len(dcid) == 0 {
		return
	}
	// Random filler that parses as a short header packet, then the token.
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return
	}
	buf[0] = 0x40 | (buf[0] & 0x1f)
	tok := e.tokens.Token(dcid)
	out := append(buf, tok[:]...)
	e.sock.WriteTo(out, remote, wire.ECNNotECT, 0)
	metrics.StatelessResetsSent.Inc()
}
