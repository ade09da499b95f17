package conn

import (
	"time"

	"github.com/m-lab/quic/metrics"
	"github.com/m-lab/quic/recovery"
	"github.com/m-lab/quic/wire"
)

func earliest(times ...time.Time) time.Time {
	var e time.Time
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		if e.IsZero() || t.Before(e) {
			e = t
		}
	}
	return e
}

// NextTimeout returns when the connection next needs HandleTimeout, or the
// zero time if no timer is armed.
func (c *Conn) NextTimeout(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return time.Time{}
	}
	if c.draining || c.closeFrame != nil {
		return c.drainUntil
	}

	lossAt, _ := c.rec.NextTimeout(now)

	var ackAt time.Time
	for i := range c.spaces {
		ackAt = earliest(ackAt, c.spaces[i].ackDelayDeadline)
	}

	var idleAt, keepaliveAt time.Time
	if c.idleTimeout > 0 {
		idleAt = c.lastActivity.Add(c.idleTimeout)
		if c.cfg.KeepAlive && c.hsConfirmed && !c.keepaliveSent {
			keepaliveAt = c.lastActivity.Add(c.idleTimeout / 2)
		}
	}

	challengeAt := c.activePath.NextChallengeTime(c.rec.PTO(recovery.SpaceAppData))

	return earliest(lossAt, ackAt, idleAt, keepaliveAt, challengeAt)
}

// HandleTimeout advances all time-driven state.  The endpoint calls it
// when the NextTimeout deadline passes.
func (c *Conn) HandleTimeout(now time.Time) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	// The closing or draining period ends the connection for good.
	if (c.draining || c.closeFrame != nil) && !c.drainUntil.IsZero() && !now.Before(c.drainUntil) {
		c.mu.Unlock()
		c.finalize()
		return
	}
	if c.draining || c.closeFrame != nil {
		c.mu.Unlock()
		return
	}

	// Idle timeout: a silent close.
	if c.idleTimeout > 0 && now.Sub(c.lastActivity) >= c.idleTimeout {
		c.closeReason = "idle"
		c.closeErr = ErrClosed
		c.mu.Unlock()
		c.finalize()
		return
	}

	// Keep-alive: elicit an ack before the peer's idle timer can fire.
	if c.cfg.KeepAlive && c.hsConfirmed && c.idleTimeout > 0 && !c.keepaliveSent &&
		now.Sub(c.lastActivity) >= c.idleTimeout/2 {
		c.keepaliveSent = true
		c.control = append(c.control, &wire.PingFrame{})
		c.Wake()
	}

	// Loss detection and probe timers.
	if at, kind := c.rec.NextTimeout(now); kind != recovery.TimerNone && !now.Before(at) {
		kind, lost, space := c.rec.OnTimeout(now)
		switch kind {
		case recovery.TimerLoss:
			c.handleLost(now, space, lost)
		case recovery.TimerPTO:
			metrics.PTOTotal.Inc()
			pns := &c.spaces[space]
			pns.probes = recovery.MaxProbePackets
			// Probes carry previously sent handshake bytes when any are
			// outstanding, rather than a bare PING.
			if end := pns.cryptoSend.End(); end > 0 {
				pns.cryptoSend.OnLost(0, end, false)
			}
			c.log.WithField("space", space.String()).Debug("probe timeout")
			c.Wake()
		}
	}

	// Overdue delayed acks become send work.
	for i := range c.spaces {
		pns := &c.spaces[i]
		if !pns.ackDelayDeadline.IsZero() && !now.Before(pns.ackDelayDeadline) {
			pns.ackQueued = true
			c.Wake()
		}
	}

	// Key retention and path probing share the timer pass.
	if app := &c.spaces[recovery.SpaceAppData]; app.oneRTT != nil {
		app.oneRTT.DiscardPrev(now)
	}
	if t := c.activePath.NextChallengeTime(c.rec.PTO(recovery.SpaceAppData)); !t.IsZero() && !t.After(now) {
		c.Wake()
	}
	c.mu.Unlock()
}
