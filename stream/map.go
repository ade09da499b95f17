package stream

import (
	"sync"

	"github.com/m-lab/quic/wire"
)

// MapConfig carries the stream count limits and per-stream Config.
type MapConfig struct {
	Stream Config

	// PeerMaxBidi/PeerMaxUni are the peer's initial_max_streams values
	// bounding how many streams we may open.
	PeerMaxBidi uint64
	PeerMaxUni  uint64

	// LocalMaxBidi/LocalMaxUni are how many streams we allow the peer.
	LocalMaxBidi uint64
	LocalMaxUni  uint64

	// Per-type send limits from the peer's transport parameters.  When
	// they are all zero, Stream.SendLimit applies to every stream.
	SendLimitLocalBidi  uint64 // bidi streams we open
	SendLimitRemoteBidi uint64 // bidi streams the peer opened
	SendLimitUni        uint64 // uni streams we open
}

func (c *MapConfig) streamConfig(id wire.StreamID, localSide wire.Side) Config {
	cfg := c.Stream
	if c.SendLimitLocalBidi == 0 && c.SendLimitRemoteBidi == 0 && c.SendLimitUni == 0 {
		return cfg
	}
	switch {
	case !id.IsBidirectional():
		cfg.SendLimit = c.SendLimitUni
	case id.Initiator() == localSide:
		cfg.SendLimit = c.SendLimitLocalBidi
	default:
		cfg.SendLimit = c.SendLimitRemoteBidi
	}
	return cfg
}

// Map owns every stream of a connection, keyed by ID, and enforces the
// stream count limits in both directions.
type Map struct {
	mu sync.Mutex

	localSide wire.Side
	cfg       MapConfig
	notifier  Notifier

	streams map[wire.StreamID]*Stream

	// nextBidi/nextUni are the ordinals of the next locally opened stream.
	nextBidi uint64
	nextUni  uint64
	// peerAllowedBidi/Uni are the peer's current MAX_STREAMS limits.
	peerAllowedBidi uint64
	peerAllowedUni  uint64
	// blockedBidi/Uni dedupe STREAMS_BLOCKED per limit.
	blockedBidi uint64
	blockedUni  uint64
	sendBlocked []wire.Frame

	// localAllowedBidi/Uni are the limits we advertise; opened counts how
	// many the peer has used.
	localAllowedBidi uint64
	localAllowedUni  uint64
	peerOpenedBidi   uint64
	peerOpenedUni    uint64
	closedPeerBidi   uint64
	closedPeerUni    uint64
	maxStreamsDirty  bool

	accept chan *Stream
}

// NewMap builds the stream map.
func NewMap(localSide wire.Side, cfg MapConfig, n Notifier) *Map {
	return &Map{
		localSide:        localSide,
		cfg:              cfg,
		notifier:         n,
		streams:          make(map[wire.StreamID]*Stream),
		peerAllowedBidi:  cfg.PeerMaxBidi,
		peerAllowedUni:   cfg.PeerMaxUni,
		localAllowedBidi: cfg.LocalMaxBidi,
		localAllowedUni:  cfg.LocalMaxUni,
		blockedBidi:      ^uint64(0),
		blockedUni:       ^uint64(0),
		accept:           make(chan *Stream, 16),
	}
}

// ApplyPeerParams installs the peer's transport parameters once the
// handshake delivers them: stream count limits and per-type send limits,
// raising any stream opened before the parameters arrived.
func (m *Map) ApplyPeerParams(p *wire.TransportParameters) {
	m.mu.Lock()
	if p.InitialMaxStreamsBidi > m.peerAllowedBidi {
		m.peerAllowedBidi = p.InitialMaxStreamsBidi
	}
	if p.InitialMaxStreamsUni > m.peerAllowedUni {
		m.peerAllowedUni = p.InitialMaxStreamsUni
	}
	m.cfg.SendLimitLocalBidi = p.InitialMaxStreamDataBidiRemote
	m.cfg.SendLimitRemoteBidi = p.InitialMaxStreamDataBidiLocal
	m.cfg.SendLimitUni = p.InitialMaxStreamDataUni
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	localSide := m.localSide
	cfg := m.cfg
	m.mu.Unlock()

	for _, s := range streams {
		limit := cfg.streamConfig(s.ID(), localSide).SendLimit
		s.HandleMaxStreamData(&wire.MaxStreamDataFrame{ID: s.ID(), Max: limit})
	}
}

// Get returns the stream with the given ID, if it exists.
func (m *Map) Get(id wire.StreamID) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// Open creates the next locally initiated stream.  It fails with a
// STREAMS_BLOCKED side effect when the peer's limit is reached.
func (m *Map) Open(bidi bool) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next, allowed *uint64
	var blocked *uint64
	if bidi {
		next, allowed, blocked = &m.nextBidi, &m.peerAllowedBidi, &m.blockedBidi
	} else {
		next, allowed, blocked = &m.nextUni, &m.peerAllowedUni, &m.blockedUni
	}
	if *next >= *allowed {
		if *blocked != *allowed {
			*blocked = *allowed
			m.sendBlocked = append(m.sendBlocked, &wire.StreamsBlockedFrame{Bidi: bidi, Limit: *allowed})
			m.notifier.Wake()
		}
		return nil, wire.NewError(wire.StreamLimitError, "peer stream limit %d reached", *allowed)
	}
	id := wire.MakeStreamID(m.localSide, bidi, *next)
	*next++
	s := New(id, m.localSide, m.cfg.streamConfig(id, m.localSide), m.notifier)
	m.streams[id] = s
	return s, nil
}

// HandleMaxStreams raises the peer's stream count limit.
func (m *Map) HandleMaxStreams(f *wire.MaxStreamsFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Bidi {
		if f.Max > m.peerAllowedBidi {
			m.peerAllowedBidi = f.Max
		}
	} else {
		if f.Max > m.peerAllowedUni {
			m.peerAllowedUni = f.Max
		}
	}
}

// Incoming returns the stream a peer frame addresses, creating
// peer-initiated streams on first use.  A frame for an unopened local
// stream is a STREAM_STATE_ERROR; exceeding the advertised count is a
// STREAM_LIMIT_ERROR.
func (m *Map) Incoming(id wire.StreamID) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	if id.Initiator() == m.localSide {
		return nil, wire.NewError(wire.StreamStateError, "frame for unopened local stream %s", id)
	}
	var allowed uint64
	var opened *uint64
	if id.IsBidirectional() {
		allowed, opened = m.localAllowedBidi, &m.peerOpenedBidi
	} else {
		allowed, opened = m.localAllowedUni, &m.peerOpenedUni
	}
	if id.Num() >= allowed {
		return nil, wire.NewError(wire.StreamLimitError, "peer opened stream %s beyond limit %d", id, allowed)
	}
	// Opening stream N implicitly opens every lower-numbered stream of the
	// same type.
	var last *Stream
	for num := *opened; num <= id.Num(); num++ {
		sid := wire.MakeStreamID(id.Initiator(), id.IsBidirectional(), num)
		s := New(sid, m.localSide, m.cfg.streamConfig(sid, m.localSide), m.notifier)
		m.streams[sid] = s
		select {
		case m.accept <- s:
		default:
			// The accept queue is bounded; a peer racing far ahead of the
			// application keeps the stream addressable via Get.
		}
		last = s
	}
	*opened = id.Num() + 1
	return last, nil
}

// Accept returns the channel of newly opened peer-initiated streams.
func (m *Map) Accept() <-chan *Stream {
	return m.accept
}

// StreamDone removes a finished stream and credits the peer with a fresh
// stream slot.
func (m *Map) StreamDone(id wire.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[id]; !ok {
		return
	}
	delete(m.streams, id)
	if id.Initiator() != m.localSide {
		if id.IsBidirectional() {
			m.closedPeerBidi++
			m.localAllowedBidi++
		} else {
			m.closedPeerUni++
			m.localAllowedUni++
		}
		m.maxStreamsDirty = true
		m.notifier.Wake()
	}
}

// PopControlFrames collects map-level frames: MAX_STREAMS updates and
// pending STREAMS_BLOCKED reports.
func (m *Map) PopControlFrames() []wire.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sendBlocked
	m.sendBlocked = nil
	if m.maxStreamsDirty {
		m.maxStreamsDirty = false
		out = append(out,
			&wire.MaxStreamsFrame{Bidi: true, Max: m.localAllowedBidi},
			&wire.MaxStreamsFrame{Bidi: false, Max: m.localAllowedUni})
	}
	return out
}

// All runs fn over every live stream.
func (m *Map) All(fn func(*Stream)) {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()
	for _, s := range streams {
		fn(s)
	}
}

// Len returns the number of live streams.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
