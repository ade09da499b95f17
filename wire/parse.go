package wire

import (
	"github.com/m-lab/quic/varint"
)

// ParseFrame decodes a single frame from the front of b and returns it with
// the number of bytes consumed.  Consecutive PADDING bytes are coalesced
// into one PaddingFrame.  Errors are *TransportError carrying
// FRAME_ENCODING_ERROR (or a more specific code) plus the offending frame
// type, ready to surface in a CONNECTION_CLOSE.
func ParseFrame(b []byte) (Frame, int, error) {
	t, n, err := varint.Consume(b)
	if err != nil {
		return nil, 0, &TransportError{Code: FrameEncodingError, Reason: "truncated frame type"}
	}
	pos := n

	fail := func(reason string) (Frame, int, error) {
		return nil, 0, &TransportError{Code: FrameEncodingError, FrameType: t, Reason: reason}
	}
	// consume reads the next varint field or fails the whole frame.
	consume := func() (uint64, bool) {
		v, n, err := varint.Consume(b[pos:])
		if err != nil {
			return 0, false
		}
		pos += n
		return v, true
	}

	switch {
	case t == FrameTypePadding:
		for pos < len(b) && b[pos] == 0 {
			pos++
		}
		return &PaddingFrame{Length: pos}, pos, nil

	case t == FrameTypePing:
		return &PingFrame{}, pos, nil

	case t == FrameTypeAck || t == FrameTypeAckECN:
		largest, ok := consume()
		if !ok {
			return fail("truncated ACK largest")
		}
		delay, ok := consume()
		if !ok {
			return fail("truncated ACK delay")
		}
		rangeCount, ok := consume()
		if !ok {
			return fail("truncated ACK range count")
		}
		firstRange, ok := consume()
		if !ok {
			return fail("truncated ACK first range")
		}
		if firstRange > largest {
			return fail("ACK first range exceeds largest acknowledged")
		}
		f := &AckFrame{DelayRaw: delay}
		f.Ranges = append(f.Ranges, AckRange{
			Smallest: PacketNumber(largest - firstRange),
			Largest:  PacketNumber(largest),
		})
		smallest := f.Ranges[0].Smallest
		for i := uint64(0); i < rangeCount; i++ {
			gap, ok := consume()
			if !ok {
				return fail("truncated ACK gap")
			}
			length, ok := consume()
			if !ok {
				return fail("truncated ACK range length")
			}
			if uint64(smallest) < gap+2 {
				return fail("ACK range underflows packet number zero")
			}
			largest := smallest - PacketNumber(gap) - 2
			if uint64(largest) < length {
				return fail("ACK range underflows packet number zero")
			}
			smallest = largest - PacketNumber(length)
			f.Ranges = append(f.Ranges, AckRange{Smallest: smallest, Largest: largest})
		}
		if t == FrameTypeAckECN {
			f.HasECN = true
			if f.ECT0, ok = consume(); !ok {
				return fail("truncated ECN counts")
			}
			if f.ECT1, ok = consume(); !ok {
				return fail("truncated ECN counts")
			}
			if f.CE, ok = consume(); !ok {
				return fail("truncated ECN counts")
			}
		}
		return f, pos, nil

	case t == FrameTypeResetStream:
		id, ok := consume()
		if !ok {
			return fail("truncated RESET_STREAM")
		}
		code, ok := consume()
		if !ok {
			return fail("truncated RESET_STREAM")
		}
		final, ok := consume()
		if !ok {
			return fail("truncated RESET_STREAM")
		}
		return &ResetStreamFrame{ID: StreamID(id), Code: code, FinalSize: final}, pos, nil

	case t == FrameTypeStopSending:
		id, ok := consume()
		if !ok {
			return fail("truncated STOP_SENDING")
		}
		code, ok := consume()
		if !ok {
			return fail("truncated STOP_SENDING")
		}
		return &StopSendingFrame{ID: StreamID(id), Code: code}, pos, nil

	case t == FrameTypeCrypto:
		offset, ok := consume()
		if !ok {
			return fail("truncated CRYPTO")
		}
		length, ok := consume()
		if !ok {
			return fail("truncated CRYPTO")
		}
		if offset+length > varint.Max {
			return fail("CRYPTO offset overflow")
		}
		if uint64(len(b)-pos) < length {
			return fail("CRYPTO data exceeds packet")
		}
		f := &CryptoFrame{Offset: offset, Data: b[pos : pos+int(length)]}
		return f, pos + int(length), nil

	case t == FrameTypeNewToken:
		length, ok := consume()
		if !ok {
			return fail("truncated NEW_TOKEN")
		}
		if length == 0 {
			return fail("NEW_TOKEN with empty token")
		}
		if uint64(len(b)-pos) < length {
			return fail("NEW_TOKEN token exceeds packet")
		}
		f := &NewTokenFrame{Token: b[pos : pos+int(length)]}
		return f, pos + int(length), nil

	case t >= FrameTypeStreamBase && t <= FrameTypeStreamBase|0x07:
		hasOff := t&0x04 != 0
		hasLen := t&0x02 != 0
		fin := t&0x01 != 0
		id, ok := consume()
		if !ok {
			return fail("truncated STREAM")
		}
		f := &StreamFrame{ID: StreamID(id), Fin: fin, DataLenPresent: hasLen}
		if hasOff {
			if f.Offset, ok = consume(); !ok {
				return fail("truncated STREAM offset")
			}
		}
		if hasLen {
			length, ok := consume()
			if !ok {
				return fail("truncated STREAM length")
			}
			if uint64(len(b)-pos) < length {
				return fail("STREAM data exceeds packet")
			}
			f.Data = b[pos : pos+int(length)]
			pos += int(length)
		} else {
			f.Data = b[pos:]
			pos = len(b)
		}
		if f.Offset+uint64(len(f.Data)) > varint.Max {
			return fail("STREAM final offset overflow")
		}
		return f, pos, nil

	case t == FrameTypeMaxData:
		max, ok := consume()
		if !ok {
			return fail("truncated MAX_DATA")
		}
		return &MaxDataFrame{Max: max}, pos, nil

	case t == FrameTypeMaxStreamData:
		id, ok := consume()
		if !ok {
			return fail("truncated MAX_STREAM_DATA")
		}
		max, ok := consume()
		if !ok {
			return fail("truncated MAX_STREAM_DATA")
		}
		return &MaxStreamDataFrame{ID: StreamID(id), Max: max}, pos, nil

	case t == FrameTypeMaxStreamsBidi || t == FrameTypeMaxStreamsUni:
		max, ok := consume()
		if !ok {
			return fail("truncated MAX_STREAMS")
		}
		if max > 1<<60 {
			return fail("MAX_STREAMS exceeds 2^60")
		}
		return &MaxStreamsFrame{Bidi: t == FrameTypeMaxStreamsBidi, Max: max}, pos, nil

	case t == FrameTypeDataBlocked:
		limit, ok := consume()
		if !ok {
			return fail("truncated DATA_BLOCKED")
		}
		return &DataBlockedFrame{Limit: limit}, pos, nil

	case t == FrameTypeStreamDataBlocked:
		id, ok := consume()
		if !ok {
			return fail("truncated STREAM_DATA_BLOCKED")
		}
		limit, ok := consume()
		if !ok {
			return fail("truncated STREAM_DATA_BLOCKED")
		}
		return &StreamDataBlockedFrame{ID: StreamID(id), Limit: limit}, pos, nil

	case t == FrameTypeStreamsBlockedBidi || t == FrameTypeStreamsBlockedUni:
		limit, ok := consume()
		if !ok {
			return fail("truncated STREAMS_BLOCKED")
		}
		if limit > 1<<60 {
			return fail("STREAMS_BLOCKED exceeds 2^60")
		}
		return &StreamsBlockedFrame{Bidi: t == FrameTypeStreamsBlockedBidi, Limit: limit}, pos, nil

	case t == FrameTypeNewConnectionID:
		seq, ok := consume()
		if !ok {
			return fail("truncated NEW_CONNECTION_ID")
		}
		retire, ok := consume()
		if !ok {
			return fail("truncated NEW_CONNECTION_ID")
		}
		if retire > seq {
			return nil, 0, &TransportError{Code: FrameEncodingError, FrameType: t,
				Reason: "NEW_CONNECTION_ID retires a sequence after itself"}
		}
		if pos >= len(b) {
			return fail("truncated NEW_CONNECTION_ID")
		}
		idLen := int(b[pos])
		pos++
		if idLen < 1 || idLen > MaxConnectionIDLen {
			return fail("NEW_CONNECTION_ID with bad ID length")
		}
		if len(b)-pos < idLen+StatelessResetTokenLen {
			return fail("truncated NEW_CONNECTION_ID")
		}
		f := &NewConnectionIDFrame{Sequence: seq, RetirePriorTo: retire}
		f.ID = ConnectionID(b[pos : pos+idLen])
		pos += idLen
		copy(f.Token[:], b[pos:])
		return f, pos + StatelessResetTokenLen, nil

	case t == FrameTypeRetireConnectionID:
		seq, ok := consume()
		if !ok {
			return fail("truncated RETIRE_CONNECTION_ID")
		}
		return &RetireConnectionIDFrame{Sequence: seq}, pos, nil

	case t == FrameTypePathChallenge || t == FrameTypePathResponse:
		if len(b)-pos < 8 {
			return fail("truncated path frame")
		}
		if t == FrameTypePathChallenge {
			f := &PathChallengeFrame{}
			copy(f.Data[:], b[pos:])
			return f, pos + 8, nil
		}
		f := &PathResponseFrame{}
		copy(f.Data[:], b[pos:])
		return f, pos + 8, nil

	case t == FrameTypeConnectionClose || t == FrameTypeConnectionCloseApp:
		f := &ConnectionCloseFrame{IsApp: t == FrameTypeConnectionCloseApp}
		code, ok := consume()
		if !ok {
			return fail("truncated CONNECTION_CLOSE")
		}
		f.Code = code
		if !f.IsApp {
			if f.FrameType, ok = consume(); !ok {
				return fail("truncated CONNECTION_CLOSE")
			}
		}
		length, ok := consume()
		if !ok {
			return fail("truncated CONNECTION_CLOSE")
		}
		if uint64(len(b)-pos) < length {
			return fail("CONNECTION_CLOSE reason exceeds packet")
		}
		f.Reason = string(b[pos : pos+int(length)])
		return f, pos + int(length), nil

	case t == FrameTypeHandshakeDone:
		return &HandshakeDoneFrame{}, pos, nil
	}

	return nil, 0, &TransportError{Code: FrameEncodingError, FrameType: t, Reason: "unknown frame type"}
}

// ParsePayload decodes every frame in a decrypted packet payload.  An empty
// payload is a PROTOCOL_VIOLATION.
func ParsePayload(b []byte) ([]Frame, error) {
	if len(b) == 0 {
		return nil, &TransportError{Code: ProtocolViolation, Reason: "packet with empty payload"}
	}
	var frames []Frame
	for pos := 0; pos < len(b); {
		f, n, err := ParseFrame(b[pos:])
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		pos += n
	}
	return frames, nil
}
