package conn

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/m-lab/quic/cid"
	"github.com/m-lab/quic/congestion"
	"github.com/m-lab/quic/keys"
	"github.com/m-lab/quic/metrics"
	"github.com/m-lab/quic/path"
	"github.com/m-lab/quic/recovery"
	"github.com/m-lab/quic/stream"
	"github.com/m-lab/quic/tlsconn"
	"github.com/m-lab/quic/wire"
)

func spaceForType(t wire.PacketType) (recovery.Space, bool) {
	switch t {
	case wire.TypeInitial:
		return recovery.SpaceInitial, true
	case wire.TypeHandshake:
		return recovery.SpaceHandshake, true
	case wire.TypeOneRTT:
		return recovery.SpaceAppData, true
	}
	return 0, false
}

// HandleDatagram processes one received UDP datagram, which may hold
// several coalesced packets.
func (c *Conn) HandleDatagram(now time.Time, data []byte, local, remote *net.UDPAddr, ecn wire.ECN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.draining {
		return
	}
	if c.closeFrame != nil {
		// In the closing period we only re-answer with the close frame,
		// for one received packet in three.
		c.closeRecvCnt++
		if c.closeRecvCnt%3 == 1 {
			c.closeDue = true
		}
		return
	}

	c.bytesReceived += uint64(len(data))
	c.lastActivity = now
	c.keepaliveSent = false
	c.creditPath(remote, len(data))

	rest := data
	for len(rest) > 0 {
		hdr, pnOffset, err := wire.ParseHeaderPrefix(rest, len(c.cfg.LocalCID))
		if err == wire.ErrUnknownVersion {
			metrics.DatagramsReceived.WithLabelValues("unknown version").Inc()
			return
		}
		if err != nil {
			metrics.DatagramsReceived.WithLabelValues("unparseable").Inc()
			return
		}

		switch hdr.Type {
		case wire.TypeVersionNegotiation:
			c.handleVersionNegotiation(now, rest)
			return
		case wire.TypeRetry:
			c.handleRetry(rest, hdr)
			return
		case wire.TypeZeroRTT:
			// No 0-RTT keys are ever installed; skip the packet.
			rest = rest[pnOffset+hdr.Length:]
			continue
		}

		var pkt []byte
		if hdr.Type == wire.TypeOneRTT {
			pkt = rest
			rest = nil
		} else {
			pkt = rest[:pnOffset+hdr.Length]
			rest = rest[pnOffset+hdr.Length:]
		}
		space, ok := spaceForType(hdr.Type)
		if !ok {
			continue
		}
		c.processPacket(now, pkt, hdr, pnOffset, space, remote)
	}
	c.driveHandshaker(now)
}

// pathFor finds or creates the Path tracking a remote address.
func (c *Conn) pathFor(remote *net.UDPAddr) *path.Path {
	if sameAddr(remote, c.activePath.Remote) {
		return c.activePath
	}
	if c.candidatePath != nil && sameAddr(remote, c.candidatePath.Remote) {
		return c.candidatePath
	}
	key := remote.String()
	if p, ok := c.otherPaths[key]; ok {
		return p
	}
	p := path.New(c.activePath.Local, remote, c.cfg.MaxMTU)
	if c.otherPaths == nil {
		c.otherPaths = make(map[string]*path.Path)
	}
	if len(c.otherPaths) < 4 {
		c.otherPaths[key] = p
	}
	return p
}

func (c *Conn) creditPath(remote *net.UDPAddr, n int) {
	c.pathFor(remote).OnReceive(n)
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (c *Conn) handleVersionNegotiation(now time.Time, raw []byte) {
	if c.side != wire.ClientSide || c.spaces[recovery.SpaceInitial].largestRecv != wire.InvalidPacketNumber {
		return
	}
	versions, err := wire.ParseVersionNegotiation(raw)
	if err != nil {
		return
	}
	for _, v := range versions {
		if v == wire.Version1 {
			// A version negotiation offering our own version is spurious.
			return
		}
	}
	c.log.Warn("server speaks none of our versions")
	c.drainingLocked(now, wire.ErrUnknownVersion, "version negotiation")
}

func (c *Conn) handleRetry(raw []byte, hdr *wire.Header) {
	if c.side != wire.ClientSide {
		return
	}
	initial := &c.spaces[recovery.SpaceInitial]
	if initial.largestRecv != wire.InvalidPacketNumber || c.retried {
		// Only one Retry, and only before any Initial packet.
		return
	}
	if hdr.SrcID.Equal(c.cfg.OriginalDCID) {
		return
	}
	pseudo := wire.RetryPseudoPacketFromWire(c.cfg.OriginalDCID, raw)
	if err := keys.VerifyRetryTag(pseudo, hdr.RetryIntegrityTag); err != nil {
		metrics.ErrorCount.With(prometheus.Labels{"type": "retry integrity"}).Inc()
		return
	}

	c.log.Info("retry received, revalidating with token")
	c.retried = true
	c.cfg.RetryToken = append([]byte(nil), hdr.Token...)
	c.cfg.RetrySCID = append(wire.ConnectionID(nil), hdr.SrcID...)
	c.remoteCIDs = cid.NewRemote(c.cfg.RetrySCID, c.cfg.LocalParams.ActiveConnectionIDLimit)

	// Initial protection re-keys to the server's retry source ID.
	send, recv := keys.InitialKeys(c.cfg.RetrySCID, c.side)
	initial.send = &send
	initial.recv = &recv

	// Everything sent so far will never be acknowledged.
	for _, p := range c.rec.DiscardSpace(recovery.SpaceInitial) {
		c.cc.RemoveFromFlight(p.Size)
	}
	c.rec = recovery.New(c.side)
	c.rec.MaxAckDelay = wire.DefaultMaxAckDelay
	initial.cryptoSend.OnLost(0, initial.cryptoSend.End(), false)
	c.Wake()
}

func (c *Conn) processPacket(now time.Time, pkt []byte, hdr *wire.Header, pnOffset int, space recovery.Space, remote *net.UDPAddr) {
	pns := &c.spaces[space]
	if pns.discarded {
		return
	}
	if !pns.hasRecvKeys() {
		if len(pns.buffered) < maxBufferedDatagrams {
			pns.buffered = append(pns.buffered, append([]byte(nil), pkt...))
		}
		return
	}

	var hdrKey *keys.HeaderKey
	if pns.oneRTT != nil {
		_, hdrKey = pns.oneRTT.HeaderKeys()
	} else {
		hdrKey = pns.recv.Header
	}
	fb, pnLen, err := hdrKey.Unprotect(pkt, pnOffset)
	if err != nil {
		metrics.ErrorCount.With(prometheus.Labels{"type": "header protection"}).Inc()
		return
	}
	if err := hdr.DecodeProtectedBits(fb, pkt[pnOffset:], pns.largestRecv); err != nil {
		metrics.ErrorCount.With(prometheus.Labels{"type": "reserved bits"}).Inc()
		return
	}
	pn := hdr.PacketNumber
	if pns.recvSet.IsDuplicateOrOld(pn) {
		metrics.DatagramsReceived.WithLabelValues("duplicate").Inc()
		return
	}

	hdrBytes := pkt[:pnOffset+pnLen]
	ct := pkt[pnOffset+pnLen:]
	var pt []byte
	if pns.oneRTT != nil {
		pt, err = pns.oneRTT.Open(hdrBytes, ct, pn, hdr.KeyPhase, now, 3*c.rec.PTO(recovery.SpaceAppData))
		if err == keys.ErrKeyUpdateWhilePending {
			c.closeWithErrorLocked(wire.NewError(wire.KeyUpdateError, "packet number regressed across key phases"))
			return
		}
	} else {
		pt, err = pns.recv.Packet.Open(hdrBytes, ct, pn)
	}
	if err != nil {
		metrics.ErrorCount.With(prometheus.Labels{"type": "decrypt"}).Inc()
		return
	}
	metrics.PacketsDecrypted.WithLabelValues(space.String()).Inc()

	frames, err := wire.ParsePayload(pt)
	if err != nil {
		if te, ok := err.(*wire.TransportError); ok {
			c.closeWithErrorLocked(te)
		}
		return
	}

	// The client learns the server's chosen source ID from its first
	// Initial packet.
	if c.side == wire.ClientSide && space == recovery.SpaceInitial &&
		c.spaces[recovery.SpaceInitial].largestRecv == wire.InvalidPacketNumber {
		c.remoteCIDs = cid.NewRemote(append(wire.ConnectionID(nil), hdr.SrcID...),
			c.cfg.LocalParams.ActiveConnectionIDLimit)
	}
	// A server that decrypts a Handshake packet has proof the client owns
	// its address.
	if c.side == wire.ServerSide && space == recovery.SpaceHandshake {
		c.activePath.MarkValidated()
		c.rec.SetPeerAddressValidated()
	}

	ackEliciting := false
	nonProbing := false
	for _, f := range frames {
		if wire.IsAckEliciting(f) {
			ackEliciting = true
		}
		if !wire.IsProbing(f) {
			nonProbing = true
		}
		if err := c.applyFrame(now, space, pns, hdr, f, remote); err != nil {
			if te, ok := err.(*wire.TransportError); ok {
				c.closeWithErrorLocked(te)
			} else {
				c.closeWithErrorLocked(wire.NewError(wire.InternalError, "%v", err))
			}
			return
		}
	}

	outOfOrder := pns.largestRecv != wire.InvalidPacketNumber && pn < pns.largestRecv
	pns.recvSet.Add(pn)
	if pn > pns.largestRecv {
		pns.largestRecv = pn
		pns.largestRecvTime = now
	}
	if ackEliciting {
		pns.ackEliciting++
		if space != recovery.SpaceAppData || outOfOrder || pns.ackEliciting >= 2 {
			pns.ackQueued = true
		} else if pns.ackDelayDeadline.IsZero() {
			pns.ackDelayDeadline = now.Add(c.cfg.LocalParams.MaxAckDelay)
		}
		c.Wake()
	}

	// Migration: a non-probing packet at the highest packet number from a
	// new address moves the connection.
	if c.side == wire.ServerSide && space == recovery.SpaceAppData &&
		nonProbing && pn == pns.largestRecv && !sameAddr(remote, c.activePath.Remote) {
		c.beginMigration(now, remote)
	}
}

func (c *Conn) beginMigration(now time.Time, remote *net.UDPAddr) {
	if c.peerParams != nil && c.peerParams.DisableActiveMigration {
		return
	}
	c.log.WithField("newremote", remote.String()).Info("peer address changed, probing new path")
	np := c.pathFor(remote)
	delete(c.otherPaths, remote.String())
	portOnly := c.activePath.Remote.IP.Equal(remote.IP)

	c.candidatePath = c.activePath
	c.activePath = np
	c.cfg.Remote = remote

	if !portOnly {
		// A genuinely new path gets fresh congestion and RTT state.
		c.cc = congestion.NewCubic(path.BaseMTU)
		c.rec.RTT.Reset()
	}
	// The path is validated with PATH_CHALLENGE before it carries
	// non-probing data beyond the amplification budget; a fresh peer CID
	// keeps the paths unlinkable.
	c.remoteCIDs.Rotate()
	c.Wake()

	metrics.MigrationCount.Inc()
	if c.cfg.OnMigrated != nil {
		c.cfg.OnMigrated(remote)
	}
}

func (c *Conn) applyFrame(now time.Time, space recovery.Space, pns *pnsState, hdr *wire.Header, f wire.Frame, remote *net.UDPAddr) error {
	if space != recovery.SpaceAppData {
		switch f.(type) {
		case *wire.PaddingFrame, *wire.PingFrame, *wire.AckFrame, *wire.CryptoFrame, *wire.ConnectionCloseFrame:
		default:
			return wire.NewError(wire.ProtocolViolation, "frame %T in %s packet", f, space)
		}
	}

	switch fr := f.(type) {
	case *wire.PaddingFrame, *wire.PingFrame:

	case *wire.AckFrame:
		return c.handleAck(now, space, pns, fr)

	case *wire.CryptoFrame:
		if err := pns.cryptoRecv.Insert(fr.Offset, fr.Data, false); err != nil {
			return wire.NewError(wire.ProtocolViolation, "crypto stream: %v", err)
		}
		if pns.cryptoRecv.Buffered() > cryptoBufferLimit {
			return wire.NewError(wire.CryptoBufferExceeded, "%d crypto bytes buffered", pns.cryptoRecv.Buffered())
		}

	case *wire.NewTokenFrame:
		if c.side == wire.ServerSide {
			return wire.NewError(wire.ProtocolViolation, "client sent NEW_TOKEN")
		}
		if c.cfg.OnNewToken != nil {
			c.cfg.OnNewToken(append([]byte(nil), fr.Token...))
		}

	case *wire.StreamFrame:
		s, err := c.streams.Incoming(fr.ID)
		if err != nil {
			return err
		}
		delta, err := s.HandleStream(fr)
		if err != nil {
			return err
		}
		return c.accountConnReceive(delta)

	case *wire.MaxDataFrame:
		if c.connFCSend.Update(fr.Max) {
			c.Wake()
		}

	case *wire.MaxStreamDataFrame:
		s, err := c.streams.Incoming(fr.ID)
		if err != nil {
			return err
		}
		s.HandleMaxStreamData(fr)

	case *wire.MaxStreamsFrame:
		c.streams.HandleMaxStreams(fr)

	case *wire.DataBlockedFrame:
		c.log.Debug("peer blocked at connection limit ", fr.Limit)

	case *wire.StreamDataBlockedFrame:
		c.log.Debug("peer blocked on stream ", fr.ID, " at ", fr.Limit)

	case *wire.StreamsBlockedFrame:
		c.log.Debug("peer blocked on stream count ", fr.Limit)

	case *wire.ResetStreamFrame:
		s, err := c.streams.Incoming(fr.ID)
		if err != nil {
			return err
		}
		delta, err := s.HandleReset(fr)
		if err != nil {
			return err
		}
		return c.accountConnReceive(delta)

	case *wire.StopSendingFrame:
		s, err := c.streams.Incoming(fr.ID)
		if err != nil {
			return err
		}
		return s.HandleStopSending(fr)

	case *wire.NewConnectionIDFrame:
		if len(c.remoteCIDs.Current()) == 0 {
			return wire.NewError(wire.ProtocolViolation, "NEW_CONNECTION_ID from peer using zero-length IDs")
		}
		return c.remoteCIDs.Handle(fr)

	case *wire.RetireConnectionIDFrame:
		return c.localCIDs.Retire(fr.Sequence, hdr.DstID)

	case *wire.PathChallengeFrame:
		// Answer on the path the challenge arrived from.
		c.respQueue = append(c.respQueue, pathResponse{data: fr.Data, remote: remote})
		c.Wake()

	case *wire.PathResponseFrame:
		if c.activePath.OnResponse(fr.Data) {
			c.log.Info("path validated")
		} else if c.candidatePath != nil && c.candidatePath.OnResponse(fr.Data) {
			c.log.Info("previous path validated")
		}

	case *wire.ConnectionCloseFrame:
		var reason string
		if fr.IsApp {
			c.closeErr = &wire.AppError{Code: fr.Code, Reason: fr.Reason}
			reason = "peer application close"
		} else {
			c.closeErr = &wire.TransportError{Code: wire.ErrorCode(fr.Code), Reason: fr.Reason}
			reason = "peer " + wire.ErrorCode(fr.Code).String()
		}
		c.drainingLocked(now, c.closeErr, reason)

	case *wire.HandshakeDoneFrame:
		if c.side == wire.ServerSide {
			return wire.NewError(wire.ProtocolViolation, "server received HANDSHAKE_DONE")
		}
		c.confirmHandshake(now)
	}
	return nil
}

// accountConnReceive folds a stream's newly received bytes into the
// connection-level flow control and checks the connection limit.
func (c *Conn) accountConnReceive(delta uint64) error {
	if delta == 0 {
		return nil
	}
	c.connFCRecv.Add(delta)
	if c.connFCRecv.Highest() > c.connFCRecv.Limit() {
		return wire.NewError(wire.FlowControlError,
			"connection received %d bytes against limit %d", c.connFCRecv.Highest(), c.connFCRecv.Limit())
	}
	return nil
}

func (c *Conn) handleAck(now time.Time, space recovery.Space, pns *pnsState, f *wire.AckFrame) error {
	var ackDelay time.Duration
	if space != recovery.SpaceInitial && c.peerParams != nil {
		ackDelay = f.Delay(c.peerParams.AckDelayExponent)
		if c.hsConfirmed && ackDelay > c.peerParams.MaxAckDelay {
			ackDelay = c.peerParams.MaxAckDelay
		}
	}

	res, err := c.rec.OnAckReceived(space, f, ackDelay, now)
	if err != nil {
		return wire.NewError(wire.ProtocolViolation, "%v", err)
	}

	// A raised CE count is a congestion signal without packet loss.
	if f.HasECN && f.CE > c.peerCE {
		c.peerCE = f.CE
		c.cc.OnECNCEIncrease(now, now)
	}

	for _, p := range res.NewlyAcked {
		if p.InFlight && !p.MTUProbe {
			c.cc.OnAck(now, p.PN, p.Size, p.Time, c.rec.RTT.SmoothedRTT())
		} else if p.InFlight {
			c.cc.RemoveFromFlight(p.Size)
		}
		c.onFramesAcked(now, space, pns, p)
		if p.MTUProbe {
			c.activePath.MTU.OnProbeAcked(p.Size)
			c.cc.OnMTUUpdate(c.activePath.MTU.Current(), false)
		}
	}
	if pns.oneRTT != nil {
		pns.oneRTT.OnAck(f.LargestAcked())
	}
	// A client discards Initial keys once one of its Handshake packets is
	// acknowledged.
	if c.side == wire.ClientSide && space == recovery.SpaceHandshake && len(res.NewlyAcked) > 0 {
		c.discardSpace(recovery.SpaceInitial)
		c.rec.SetPeerAddressValidated()
	}

	c.handleLost(now, space, res.Lost)
	if res.PersistentCongestion {
		c.cc.OnPersistentCongestion()
	}
	return nil
}

func (c *Conn) onFramesAcked(now time.Time, space recovery.Space, pns *pnsState, p *recovery.SentPacket) {
	for _, f := range p.Frames {
		switch fr := f.(type) {
		case *wire.StreamFrame:
			if s, ok := c.streams.Get(fr.ID); ok {
				s.OnFrameAcked(fr)
			}
		case *wire.ResetStreamFrame:
			if s, ok := c.streams.Get(fr.ID); ok {
				s.OnFrameAcked(fr)
			}
		case *wire.CryptoFrame:
			pns.cryptoSend.OnAck(fr.Offset, uint64(len(fr.Data)), false)
		case *wire.AckFrame:
			// Ranges the peer has seen acknowledged need no re-reporting.
			pns.recvSet.DiscardBelow(fr.LargestAcked() + 1)
		}
	}
}

func (c *Conn) handleLost(now time.Time, space recovery.Space, lost []*recovery.SentPacket) {
	pns := &c.spaces[space]
	for _, p := range lost {
		c.packetsLost++
		metrics.PacketsLost.WithLabelValues(space.String()).Inc()
		if p.MTUProbe {
			// Probe loss informs the search, not the congestion state.
			if p.InFlight {
				c.cc.RemoveFromFlight(p.Size)
			}
			c.activePath.MTU.OnProbeLost(p.Size)
			continue
		}
		if p.InFlight {
			c.cc.OnLoss(now, p.PN, p.Size, p.Time)
		}
		for _, f := range recovery.RetransmittableFrames(p) {
			switch fr := f.(type) {
			case *wire.StreamFrame:
				if s, ok := c.streams.Get(fr.ID); ok {
					s.OnFrameLost(fr)
				}
			case *wire.CryptoFrame:
				pns.cryptoSend.OnLost(fr.Offset, uint64(len(fr.Data)), false)
			case *wire.ResetStreamFrame, *wire.StopSendingFrame, *wire.MaxStreamDataFrame:
				if s, ok := c.streams.Get(streamIDOf(fr)); ok {
					s.OnFrameLost(fr)
				}
			default:
				// Connection-level control frames go back on the queue.
				c.control = append(c.control, f)
			}
		}
		c.Wake()
	}
}

func streamIDOf(f wire.Frame) wire.StreamID {
	switch fr := f.(type) {
	case *wire.ResetStreamFrame:
		return fr.ID
	case *wire.StopSendingFrame:
		return fr.ID
	case *wire.MaxStreamDataFrame:
		return fr.ID
	}
	return 0
}

// driveHandshaker feeds newly reassembled CRYPTO bytes to the TLS engine
// and applies the resulting events.
func (c *Conn) driveHandshaker(now time.Time) {
	hs := c.cfg.Handshaker
	for i := range c.spaces {
		pns := &c.spaces[i]
		if avail := pns.cryptoRecv.Available(); avail > 0 {
			buf := make([]byte, avail)
			n := pns.cryptoRecv.Read(buf)
			if err := hs.Receive(tlsconn.Level(i), buf[:n]); err != nil {
				c.closeWithErrorLocked(wire.NewError(wire.CryptoError(80), "handshake: %v", err))
				return
			}
		}
	}

	for _, ev := range hs.Events() {
		switch ev.Kind {
		case tlsconn.EventKeysReady:
			c.installKeys(now, ev)
		case tlsconn.EventTransportParams:
			var p wire.TransportParameters
			if err := p.Unmarshal(ev.TransportParams, c.side.Peer()); err != nil {
				if te, ok := err.(*wire.TransportError); ok {
					c.closeWithErrorLocked(te)
				}
				return
			}
			if err := c.applyPeerParams(&p); err != nil {
				c.closeWithErrorLocked(err.(*wire.TransportError))
				return
			}
		case tlsconn.EventHandshakeComplete:
			c.hsComplete = true
			if c.side == wire.ServerSide {
				c.handshakeDoneDue = true
				c.confirmHandshake(now)
			}
		case tlsconn.EventAlert:
			c.closeWithErrorLocked(&wire.TransportError{
				Code:   wire.CryptoError(ev.Alert),
				Reason: "TLS alert",
			})
			return
		}
	}

	// Queue any new outbound handshake bytes.
	for i := range c.spaces {
		if b := hs.Send(tlsconn.Level(i)); len(b) > 0 {
			c.spaces[i].cryptoSend.Append(b)
			c.Wake()
		}
	}
}

func (c *Conn) installKeys(now time.Time, ev tlsconn.Event) {
	switch ev.Level {
	case tlsconn.LevelHandshake:
		send := keys.DeriveKeys(ev.Suite, ev.SendSecret)
		recv := keys.DeriveKeys(ev.Suite, ev.RecvSecret)
		c.spaces[recovery.SpaceHandshake].send = &send
		c.spaces[recovery.SpaceHandshake].recv = &recv
	case tlsconn.LevelOneRTT:
		c.spaces[recovery.SpaceAppData].oneRTT = keys.NewOneRTT(ev.Suite, ev.SendSecret, ev.RecvSecret)
	default:
		return
	}
	c.reprocessBuffered(now, recovery.Space(ev.Level))
	c.Wake()
}

// reprocessBuffered replays datagrams that arrived before their keys.
func (c *Conn) reprocessBuffered(now time.Time, space recovery.Space) {
	pns := &c.spaces[space]
	buffered := pns.buffered
	pns.buffered = nil
	for _, pkt := range buffered {
		hdr, pnOffset, err := wire.ParseHeaderPrefix(pkt, len(c.cfg.LocalCID))
		if err != nil {
			continue
		}
		c.processPacket(now, pkt, hdr, pnOffset, space, c.cfg.Remote)
	}
}

func (c *Conn) applyPeerParams(p *wire.TransportParameters) error {
	if c.side == wire.ClientSide {
		if !p.InitialSourceCID.Equal(c.remoteCIDs.Current()) {
			return wire.NewError(wire.TransportParameterError, "initial_source_connection_id mismatch")
		}
		if !p.OriginalDestinationCID.Equal(c.cfg.OriginalDCID) {
			return wire.NewError(wire.TransportParameterError, "original_destination_connection_id mismatch")
		}
		if c.retried && !p.RetrySourceCID.Equal(c.cfg.RetrySCID) {
			return wire.NewError(wire.TransportParameterError, "retry_source_connection_id mismatch")
		}
		if p.StatelessResetToken != nil {
			c.remoteCIDs.SetResetToken(*p.StatelessResetToken)
		}
	} else {
		if !p.InitialSourceCID.Equal(c.remoteCIDs.Current()) {
			return wire.NewError(wire.TransportParameterError, "initial_source_connection_id mismatch")
		}
	}
	c.peerParams = p

	c.connFCSend.Update(p.InitialMaxData)
	c.streams.ApplyPeerParams(p)
	c.rec.MaxAckDelay = p.MaxAckDelay
	c.localCIDs.SetPeerLimit(p.ActiveConnectionIDLimit)
	if p.MaxIdleTimeout > 0 && (c.idleTimeout == 0 || p.MaxIdleTimeout < c.idleTimeout) {
		c.idleTimeout = p.MaxIdleTimeout
	}
	c.Wake()
	return nil
}

func (c *Conn) confirmHandshake(now time.Time) {
	if c.hsConfirmed {
		return
	}
	c.hsConfirmed = true
	c.rec.SetHandshakeConfirmed()
	c.discardSpace(recovery.SpaceHandshake)
	c.activePath.MarkValidated()
	if err := c.localCIDs.IssueUpToLimit(); err != nil {
		c.log.Warn("could not issue connection IDs: ", err)
	}
	if c.side == wire.ServerSide && c.cfg.MintToken != nil {
		c.control = append(c.control, &wire.NewTokenFrame{Token: c.cfg.MintToken()})
	}
	metrics.HandshakeTimeHistogram.Observe(now.Sub(c.startTime).Seconds())
	c.log.Info("handshake confirmed")
	if c.cfg.OnHandshakeConfirmed != nil {
		c.cfg.OnHandshakeConfirmed()
	}
	c.Wake()
}

func (c *Conn) discardSpace(space recovery.Space) {
	pns := &c.spaces[space]
	if pns.discarded {
		return
	}
	pns.discarded = true
	pns.send = nil
	pns.recv = nil
	pns.buffered = nil
	for _, p := range c.rec.DiscardSpace(space) {
		c.cc.RemoveFromFlight(p.Size)
	}
}

// drainingLocked enters the draining state with c.mu held.
func (c *Conn) drainingLocked(now time.Time, err error, reason string) {
	if c.draining || c.closed {
		return
	}
	c.draining = true
	c.closeErr = err
	c.closeReason = reason
	c.drainUntil = now.Add(3 * c.rec.PTO(recovery.SpaceAppData))
	streams := c.streams
	go streams.All(func(s *stream.Stream) { s.OnConnectionClosed(err) })
}

func (c *Conn) closeWithErrorLocked(te *wire.TransportError) {
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
		c.Wake()
	}
}
