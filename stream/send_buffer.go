package stream

// span is a half-open byte range [start, end).
type span struct {
	start, end uint64
}

// spanSet keeps disjoint spans sorted by start.
type spanSet struct {
	spans []span
}

func (s *spanSet) add(start, end uint64) {
	if end <= start {
		return
	}
	out := make([]span, 0, len(s.spans)+1)
	added := false
	for _, sp := range s.spans {
		switch {
		case sp.end < start:
			out = append(out, sp)
		case end < sp.start:
			if !added {
				out = append(out, span{start, end})
				added = true
			}
			out = append(out, sp)
		default:
			// Overlapping or adjacent: merge.
			if sp.start < start {
				start = sp.start
			}
			if sp.end > end {
				end = sp.end
			}
		}
	}
	if !added {
		out = append(out, span{start, end})
	}
	s.spans = out
}

// remove deletes [start, end) from the set.
func (s *spanSet) remove(start, end uint64) {
	var out []span
	for _, sp := range s.spans {
		if sp.end <= start || sp.start >= end {
			out = append(out, sp)
			continue
		}
		if sp.start < start {
			out = append(out, span{sp.start, start})
		}
		if sp.end > end {
			out = append(out, span{end, sp.end})
		}
	}
	s.spans = out
}

// first returns the lowest span, if any.
func (s *spanSet) first() (span, bool) {
	if len(s.spans) == 0 {
		return span{}, false
	}
	return s.spans[0], true
}

// contiguousFrom returns the end of the run starting at start, or start if
// the set does not cover it.
func (s *spanSet) contiguousFrom(start uint64) uint64 {
	for _, sp := range s.spans {
		if sp.start <= start && start < sp.end {
			return sp.end
		}
		if sp.start == start {
			return sp.end
		}
	}
	return start
}

func (s *spanSet) empty() bool {
	return len(s.spans) == 0
}

// SendBuffer holds a stream's outgoing bytes from application write until
// acknowledgment, and schedules retransmission of lost ranges.  Bytes are
// never re-sent under a different offset.
type SendBuffer struct {
	// buf holds bytes from base upward; the acknowledged contiguous
	// prefix is trimmed away.
	base uint64
	buf  []byte

	// nextSend is the first offset never yet transmitted.
	nextSend uint64

	// lost ranges await retransmission; acked ranges above base await
	// prefix advancement.
	lost  spanSet
	acked spanSet

	finSet    bool
	finOffset uint64
	finNeeded bool // FIN must be (re)transmitted
	finAcked  bool
}

// End returns one past the last buffered byte.
func (b *SendBuffer) End() uint64 {
	return b.base + uint64(len(b.buf))
}

// Buffered returns the byte count held for sending or retransmission.
func (b *SendBuffer) Buffered() int {
	return len(b.buf)
}

// Append queues application bytes.
func (b *SendBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// SetFin marks the current end of the buffer as the final size.
func (b *SendBuffer) SetFin() {
	b.finSet = true
	b.finOffset = b.End()
	b.finNeeded = true
}

// Pending reports whether anything (data or FIN) wants transmission.
// avail bounds fresh data by flow control credit.
func (b *SendBuffer) Pending(avail uint64) bool {
	if !b.lost.empty() {
		return true
	}
	if b.nextSend < b.End() && avail > 0 {
		return true
	}
	return b.finNeeded
}

// NextRange picks the next range to transmit: lost ranges first, then
// fresh data limited by maxLen bytes and avail flow control credit.  It
// returns the offset, the bytes, and whether this transmission carries
// the FIN.  fresh reports how many previously unsent bytes are included.
func (b *SendBuffer) NextRange(maxLen int, avail uint64) (offset uint64, data []byte, fin bool, fresh uint64) {
	if sp, ok := b.lost.first(); ok {
		offset = sp.start
		length := sp.end - sp.start
		if length > uint64(maxLen) {
			length = uint64(maxLen)
		}
		data = b.buf[offset-b.base : offset-b.base+length]
		b.lost.remove(offset, offset+length)
		fin = b.finSet && offset+length == b.finOffset
		if fin {
			b.finNeeded = false
		}
		return offset, data, fin, 0
	}

	offset = b.nextSend
	length := b.End() - offset
	if length > avail {
		length = avail
	}
	if length > uint64(maxLen) {
		length = uint64(maxLen)
	}
	data = b.buf[offset-b.base : offset-b.base+length]
	b.nextSend = offset + length
	fresh = length
	fin = b.finSet && b.finNeeded && b.nextSend == b.finOffset
	if fin {
		b.finNeeded = false
	}
	if length == 0 && !fin {
		return 0, nil, false, 0
	}
	return offset, data, fin, fresh
}

// OnAck marks [offset, offset+length) acknowledged and advances the base
// past the contiguous acked prefix.
func (b *SendBuffer) OnAck(offset, length uint64, fin bool) {
	if fin {
		b.finAcked = true
	}
	end := offset + length
	if end <= b.base {
		return
	}
	if offset < b.base {
		offset = b.base
	}
	b.acked.add(offset, end)
	b.lost.remove(offset, end)

	newBase := b.acked.contiguousFrom(b.base)
	if newBase > b.base {
		b.buf = b.buf[newBase-b.base:]
		b.acked.remove(b.base, newBase)
		b.base = newBase
	}
}

// OnLost requeues [offset, offset+length) for retransmission, skipping
// anything acknowledged in the meantime.
func (b *SendBuffer) OnLost(offset, length uint64, fin bool) {
	if fin && !b.finAcked {
		b.finNeeded = true
	}
	end := offset + length
	if end <= b.base {
		return
	}
	if offset < b.base {
		offset = b.base
	}
	b.lost.add(offset, end)
	for _, sp := range b.acked.spans {
		b.lost.remove(sp.start, sp.end)
	}
}

// AllAcked reports whether every sent byte and the FIN are acknowledged.
func (b *SendBuffer) AllAcked() bool {
	return b.finSet && b.finAcked && b.base == b.finOffset
}
