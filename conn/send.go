package conn

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/m-lab/quic/keys"
	"github.com/m-lab/quic/path"
	"github.com/m-lab/quic/recovery"
	"github.com/m-lab/quic/stream"
	"github.com/m-lab/quic/wire"
)

// Transmit is one datagram ready for the socket layer.
type Transmit struct {
	Data   []byte
	Remote *net.UDPAddr
	ECN    wire.ECN
}

// packetPlan is one packet's worth of scheduled frames, pre-sealing.
type packetPlan struct {
	space        recovery.Space
	frames       []wire.Frame
	ackEliciting bool
	ackOnly      bool
	mtuProbe     bool
	headerLen    int
	payloadLen   int
	pnLen        int
	pn           wire.PacketNumber
}

// DataConsumed implements stream.Notifier without taking the connection
// lock; the driver folds the count into flow control on its next pass.
func (c *Conn) DataConsumed(n uint64) {
	atomic.AddUint64(&c.consumed, n)
	c.Wake()
}

// PollTransmit returns the next datagram to send, or nil when the
// connection has nothing to say right now.  The endpoint calls it until
// it returns nil.
func (c *Conn) PollTransmit(now time.Time) *Transmit {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.draining {
		return nil
	}
	if c.closeFrame != nil {
		if !c.closeDue {
			return nil
		}
		c.closeDue = false
		if c.drainUntil.IsZero() {
			c.drainUntil = now.Add(3 * c.rec.PTO(recovery.SpaceAppData))
		}
		return c.buildClosePacket(now)
	}

	// Fold application reads into connection-level flow control.
	if n := atomic.SwapUint64(&c.consumed, 0); n > 0 {
		c.connFCRecv.OnConsumed(n)
		if _, ok := c.connFCRecv.UpdatedLimit(); ok {
			c.maxDataDue = true
		}
	}
	// Automatic key update once the seal count demands it.
	if app := &c.spaces[recovery.SpaceAppData]; app.oneRTT != nil && c.hsConfirmed && app.oneRTT.ShouldUpdate() {
		app.oneRTT.Initiate(now, 3*c.rec.PTO(recovery.SpaceAppData))
	}

	if t := c.buildDatagram(now); t != nil {
		return t
	}
	if t := c.buildOffPathResponse(now); t != nil {
		return t
	}
	if t := c.buildMTUProbe(now); t != nil {
		return t
	}
	return nil
}

// buildDatagram assembles the next normal datagram, coalescing one packet
// per space that has something to send.
func (c *Conn) buildDatagram(now time.Time) *Transmit {
	mtu := c.activePath.MTU.Current()
	budget := mtu
	if b := c.activePath.SendBudget(); b < budget {
		budget = b
	}
	if budget < 64 {
		return nil
	}

	var plans []*packetPlan
	remaining := budget
	for i := range c.spaces {
		space := recovery.Space(i)
		pns := &c.spaces[i]
		if !pns.hasSendKeys() || remaining < 64 {
			continue
		}
		plan := c.planPacket(now, space, pns, remaining)
		if plan == nil {
			continue
		}
		plans = append(plans, plan)
		remaining -= plan.headerLen + plan.payloadLen + keys.AEADOverhead
	}
	if len(plans) == 0 {
		return nil
	}

	// Datagrams carrying an Initial packet are padded to the floor so the
	// path is known to fit full-size packets (and amplification attacks
	// stay unattractive).
	total := budget - remaining
	hasInitial := false
	for _, p := range plans {
		// Clients expand every datagram carrying an Initial packet;
		// servers only ack-eliciting ones.
		if p.space == recovery.SpaceInitial && (c.side == wire.ClientSide || p.ackEliciting) {
			hasInitial = true
		}
	}
	if hasInitial && total < wire.MinInitialDatagramSize && budget >= wire.MinInitialDatagramSize {
		pad := wire.MinInitialDatagramSize - total
		last := plans[len(plans)-1]
		last.frames = append(last.frames, &wire.PaddingFrame{Length: pad})
		last.payloadLen += pad
	}

	var datagram []byte
	for _, plan := range plans {
		pkt := c.sealPlan(now, plan)
		datagram = append(datagram, pkt...)
	}

	c.activePath.OnSend(len(datagram))
	c.bytesSent += uint64(len(datagram))
	c.pacer.OnSent(now, len(datagram))
	return &Transmit{Data: datagram, Remote: c.activePath.Remote, ECN: wire.ECNECT0}
}

// planPacket decides the frames for one packet, in the priority order:
// ACK, CRYPTO, PATH_RESPONSE, retransmissions and control, then streams,
// with PING appended when a probe is owed.  Everything except ACKs and
// path frames waits for congestion window room; probe packets bypass the
// controller entirely.
func (c *Conn) planPacket(now time.Time, space recovery.Space, pns *pnsState, budget int) *packetPlan {
	plan := &packetPlan{space: space, pn: pns.nextPN}
	plan.pnLen = wire.PacketNumberLen(plan.pn, c.rec.LargestAcked(space))
	plan.headerLen = c.headerLen(space, plan.pnLen)
	remaining := budget - plan.headerLen - keys.AEADOverhead
	if remaining <= 0 {
		return nil
	}
	canSend := c.cc.CanSend() || pns.probes > 0

	add := func(f wire.Frame) bool {
		size := len(f.Append(nil))
		if size > remaining {
			return false
		}
		plan.frames = append(plan.frames, f)
		plan.payloadLen += size
		remaining -= size
		if wire.IsAckEliciting(f) {
			plan.ackEliciting = true
		}
		return true
	}

	// The ACK is mandatory when queued or overdue, and rides along in any
	// packet that goes out anyway.
	ackWanted := pns.recvSet.Len() > 0 &&
		(pns.ackQueued || (!pns.ackDelayDeadline.IsZero() && !now.Before(pns.ackDelayDeadline)))
	var ackFrame *wire.AckFrame
	if pns.recvSet.Len() > 0 {
		ackFrame = &wire.AckFrame{Ranges: pns.recvSet.AckRanges()}
		if space == recovery.SpaceAppData {
			ackFrame.DelayRaw = wire.EncodeAckDelay(now.Sub(pns.largestRecvTime), c.cfg.LocalParams.AckDelayExponent)
		}
	}
	ackAdded := false
	if ackWanted && ackFrame != nil && add(ackFrame) {
		ackAdded = true
	}

	if canSend {
		// CRYPTO bytes, retransmissions first via the send buffer.
		for pns.cryptoSend.Pending(^uint64(0)) && remaining > 16 {
			offset, data, _, _ := pns.cryptoSend.NextRange(remaining-16, ^uint64(0))
			if len(data) == 0 {
				break
			}
			if !add(&wire.CryptoFrame{Offset: offset, Data: data}) {
				pns.cryptoSend.OnLost(offset, uint64(len(data)), false)
				break
			}
		}
	}

	// Path frames bypass the congestion controller.
	var keepResp []pathResponse
	for _, r := range c.respQueue {
		if sameAddr(r.remote, c.activePath.Remote) {
			if !add(&wire.PathResponseFrame{Data: r.data}) {
				keepResp = append(keepResp, r)
			}
		} else {
			keepResp = append(keepResp, r)
		}
	}
	c.respQueue = keepResp
	if space == recovery.SpaceAppData {
		if data, ok := c.activePath.Challenge(now, c.rec.PTO(recovery.SpaceAppData)); ok {
			add(&wire.PathChallengeFrame{Data: data})
		}
	}

	if canSend && space == recovery.SpaceAppData && c.hsConfirmed {
		c.planControl(add)
	}
	if canSend && space == recovery.SpaceAppData {
		c.planStreams(add, remaining)
	}

	// A PTO probe must make the packet ack-eliciting.
	if pns.probes > 0 {
		if !plan.ackEliciting {
			add(&wire.PingFrame{})
		}
		if plan.ackEliciting {
			pns.probes--
		}
	}

	if len(plan.frames) == 0 {
		return nil
	}
	if !ackAdded && ackFrame != nil && add(ackFrame) {
		ackAdded = true
	}
	if ackAdded {
		pns.ackQueued = false
		pns.ackEliciting = 0
		pns.ackDelayDeadline = time.Time{}
	}
	plan.ackOnly = !plan.ackEliciting
	return plan
}

// planControl queues connection-level control frames.
func (c *Conn) planControl(add func(wire.Frame) bool) {
	if c.handshakeDoneDue {
		if add(&wire.HandshakeDoneFrame{}) {
			c.handshakeDoneDue = false
		}
	}
	if c.maxDataDue {
		if add(&wire.MaxDataFrame{Max: c.connFCRecv.Limit()}) {
			c.maxDataDue = false
		}
	}
	if limit, ok := c.connFCSend.ShouldReportBlocked(); ok && c.streamsWantToSend() {
		add(&wire.DataBlockedFrame{Limit: limit})
	}

	var unsent []wire.Frame
	for _, f := range c.control {
		if !add(f) {
			unsent = append(unsent, f)
		}
	}
	c.control = unsent

	for _, f := range c.localCIDs.PopFrames() {
		if !add(f) {
			c.control = append(c.control, f)
		}
	}
	for _, f := range c.remoteCIDs.PopFrames() {
		if !add(f) {
			c.control = append(c.control, f)
		}
	}
	for _, f := range c.streams.PopControlFrames() {
		if !add(f) {
			c.control = append(c.control, f)
		}
	}
	c.streams.All(func(s *stream.Stream) {
		for _, f := range s.PopControlFrames() {
			if !add(f) {
				c.control = append(c.control, f)
			}
		}
	})
}

func (c *Conn) streamsWantToSend() bool {
	want := false
	c.streams.All(func(s *stream.Stream) {
		if s.HasSendWork(^uint64(0) / 2) {
			want = true
		}
	})
	return want
}

// planStreams fills the remaining packet space with stream data.
func (c *Conn) planStreams(add func(wire.Frame) bool, remaining int) {
	c.streams.All(func(s *stream.Stream) {
		for {
			connAvail := c.connFCSend.Available()
			if !s.HasSendWork(connAvail) {
				return
			}
			// Leave room for the frame header fields.
			f, fresh := s.PopStreamFrame(remaining-16, connAvail)
			if f == nil {
				return
			}
			c.connFCSend.Consume(fresh)
			if !add(f) {
				s.OnFrameLost(f)
				return
			}
			remaining -= f.EncodedSize() + 2
			if remaining < 32 {
				return
			}
		}
	})
}

// headerLen computes the exact encoded header length for a packet in the
// given space.
func (c *Conn) headerLen(space recovery.Space, pnLen int) int {
	switch space {
	case recovery.SpaceAppData:
		return 1 + len(c.remoteCIDs.Current()) + pnLen
	case recovery.SpaceInitial:
		token := 0
		if c.side == wire.ClientSide {
			token = len(c.cfg.RetryToken)
		}
		// first byte + version + cid lengths + cids + token varint+token +
		// 2 byte length field + pn
		return 7 + len(c.remoteCIDs.Current()) + len(c.cfg.LocalCID) + varintSize(uint64(token)) + token + 2 + pnLen
	default:
		return 7 + len(c.remoteCIDs.Current()) + len(c.cfg.LocalCID) + 2 + pnLen
	}
}

func varintSize(v uint64) int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<30:
		return 4
	default:
		return 8
	}
}

// sealPlan encodes, seals and header-protects one planned packet, and
// registers it with recovery and the congestion controller.
func (c *Conn) sealPlan(now time.Time, plan *packetPlan) []byte {
	pns := &c.spaces[plan.space]
	pns.nextPN++

	var payload []byte
	for _, f := range plan.frames {
		payload = f.Append(payload)
	}
	// Header protection samples 4 bytes past the packet number start.
	if pad := 4 - plan.pnLen - len(payload); pad > 0 {
		payload = (&wire.PaddingFrame{Length: pad}).Append(payload)
	}

	hdr := &wire.Header{
		Version:      wire.Version1,
		DstID:        c.remoteCIDs.Current(),
		SrcID:        c.cfg.LocalCID,
		PacketNumber: plan.pn,
		PNLen:        plan.pnLen,
	}
	switch plan.space {
	case recovery.SpaceInitial:
		hdr.Type = wire.TypeInitial
		if c.side == wire.ClientSide {
			hdr.Token = c.cfg.RetryToken
		}
	case recovery.SpaceHandshake:
		hdr.Type = wire.TypeHandshake
	case recovery.SpaceAppData:
		hdr.Type = wire.TypeOneRTT
		hdr.KeyPhase = pns.oneRTT.Phase()
	}

	hdrBytes, err := hdr.Append(nil, len(payload)+keys.AEADOverhead)
	if err != nil {
		// Header construction is fully under our control.
		panic("conn: header encoding failed: " + err.Error())
	}
	pnOffset := len(hdrBytes) - plan.pnLen

	var sealed []byte
	var hdrKey *keys.HeaderKey
	if plan.space == recovery.SpaceAppData {
		sealed = pns.oneRTT.Seal(hdrBytes, payload, plan.pn)
		hdrKey, _ = pns.oneRTT.HeaderKeys()
	} else {
		sealed = pns.send.Packet.Seal(hdrBytes, payload, plan.pn)
		hdrKey = pns.send.Header
	}
	hdrKey.Protect(sealed, pnOffset)

	inFlight := plan.ackEliciting || plan.mtuProbe
	c.rec.OnPacketSent(plan.space, &recovery.SentPacket{
		PN:           plan.pn,
		Time:         now,
		Size:         len(sealed),
		AckEliciting: plan.ackEliciting,
		InFlight:     inFlight,
		MTUProbe:     plan.mtuProbe,
		Frames:       plan.frames,
	})
	if inFlight {
		c.cc.OnPacketSent(now, plan.pn, len(sealed))
	}

	// The server abandons Initial keys once it sends in the Handshake
	// space.
	if c.side == wire.ServerSide && plan.space == recovery.SpaceHandshake {
		c.discardSpace(recovery.SpaceInitial)
	}
	return sealed
}

// buildClosePacket emits the CONNECTION_CLOSE in the newest space that has
// keys.
func (c *Conn) buildClosePacket(now time.Time) *Transmit {
	for i := len(c.spaces) - 1; i >= 0; i-- {
		pns := &c.spaces[i]
		if !pns.hasSendKeys() {
			continue
		}
		frame := c.closeFrame
		if recovery.Space(i) != recovery.SpaceAppData && frame.IsApp {
			// Application close codes stay confidential before the
			// handshake completes.
			frame = &wire.ConnectionCloseFrame{Code: uint64(wire.ApplicationError)}
		}
		plan := &packetPlan{
			space:  recovery.Space(i),
			pn:     pns.nextPN,
			frames: []wire.Frame{frame},
		}
		plan.pnLen = wire.PacketNumberLen(plan.pn, c.rec.LargestAcked(plan.space))
		plan.headerLen = c.headerLen(plan.space, plan.pnLen)
		pkt := c.sealPlan(now, plan)
		c.bytesSent += uint64(len(pkt))
		return &Transmit{Data: pkt, Remote: c.activePath.Remote, ECN: wire.ECNNotECT}
	}
	return nil
}

// buildOffPathResponse answers PATH_CHALLENGEs that arrived from an
// address other than the active path.
func (c *Conn) buildOffPathResponse(now time.Time) *Transmit {
	pns := &c.spaces[recovery.SpaceAppData]
	if pns.oneRTT == nil || len(c.respQueue) == 0 {
		return nil
	}
	var r pathResponse
	found := false
	var keep []pathResponse
	for _, q := range c.respQueue {
		if !found && !sameAddr(q.remote, c.activePath.Remote) {
			r = q
			found = true
			continue
		}
		keep = append(keep, q)
	}
	if !found {
		return nil
	}
	c.respQueue = keep

	plan := &packetPlan{
		space:  recovery.SpaceAppData,
		pn:     pns.nextPN,
		frames: []wire.Frame{&wire.PathResponseFrame{Data: r.data}},
	}
	plan.pnLen = wire.PacketNumberLen(plan.pn, c.rec.LargestAcked(plan.space))
	plan.headerLen = c.headerLen(plan.space, plan.pnLen)
	pkt := c.sealPlan(now, plan)
	c.bytesSent += uint64(len(pkt))
	return &Transmit{Data: pkt, Remote: r.remote, ECN: wire.ECNNotECT}
}

// buildMTUProbe emits a padded probe of the next search size.
func (c *Conn) buildMTUProbe(now time.Time) *Transmit {
	pns := &c.spaces[recovery.SpaceAppData]
	if pns.oneRTT == nil || !c.hsConfirmed || c.activePath.State() != path.Validated {
		return nil
	}
	size, ok := c.activePath.MTU.NextProbeSize()
	if !ok {
		return nil
	}
	plan := &packetPlan{
		space:    recovery.SpaceAppData,
		pn:       pns.nextPN,
		mtuProbe: true,
	}
	plan.pnLen = wire.PacketNumberLen(plan.pn, c.rec.LargestAcked(plan.space))
	plan.headerLen = c.headerLen(plan.space, plan.pnLen)
	padding := size - plan.headerLen - keys.AEADOverhead - 1
	plan.frames = []wire.Frame{&wire.PingFrame{}, &wire.PaddingFrame{Length: padding}}
	plan.ackEliciting = true
	pkt := c.sealPlan(now, plan)
	c.bytesSent += uint64(len(pkt))
	c.pacer.OnSent(now, len(pkt))
	return &Transmit{Data: pkt, Remote: c.activePath.Remote, ECN: wire.ECNECT0}
}

// pacerDelay reports how long transmission should wait for the pacer.
func (c *Conn) pacerDelay(now time.Time) time.Duration {
	return c.pacer.TimeUntilSend(now, path.BaseMTU)
}
