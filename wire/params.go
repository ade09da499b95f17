package wire

import (
	"time"

	"github.com/m-lab/quic/varint"
)

// Transport parameter IDs (RFC 9000 section 18.2).
const (
	paramOriginalDestinationCID    uint64 = 0x00
	paramMaxIdleTimeout            uint64 = 0x01
	paramStatelessResetToken       uint64 = 0x02
	paramMaxUDPPayloadSize         uint64 = 0x03
	paramInitialMaxData            uint64 = 0x04
	paramInitialMaxStreamDataBidiL uint64 = 0x05
	paramInitialMaxStreamDataBidiR uint64 = 0x06
	paramInitialMaxStreamDataUni   uint64 = 0x07
	paramInitialMaxStreamsBidi     uint64 = 0x08
	paramInitialMaxStreamsUni      uint64 = 0x09
	paramAckDelayExponent          uint64 = 0x0a
	paramMaxAckDelay               uint64 = 0x0b
	paramDisableActiveMigration    uint64 = 0x0c
	paramPreferredAddress          uint64 = 0x0d
	paramActiveConnectionIDLimit   uint64 = 0x0e
	paramInitialSourceCID          uint64 = 0x0f
	paramRetrySourceCID            uint64 = 0x10
)

// Defaults for absent transport parameters.
const (
	DefaultAckDelayExponent        = 3
	DefaultMaxAckDelay             = 25 * time.Millisecond
	DefaultMaxUDPPayloadSize       = 65527
	DefaultActiveConnectionIDLimit = 2
)

// TransportParameters is the decoded transport_parameters TLS extension
// body.  Fields that only one side may send are pointers or checked at
// decode time.
type TransportParameters struct {
	OriginalDestinationCID ConnectionID // server only
	InitialSourceCID       ConnectionID
	RetrySourceCID         ConnectionID         // server only, after Retry
	StatelessResetToken    *StatelessResetToken // server only

	MaxIdleTimeout    time.Duration
	MaxUDPPayloadSize uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint8
	MaxAckDelay      time.Duration

	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64

	// HasInitialSourceCID distinguishes a present empty initial_source_cid
	// from an absent one.
	HasInitialSourceCID bool
	HasRetrySourceCID   bool
	HasOriginalDestCID  bool
}

func appendParam(b []byte, id uint64, value []byte) []byte {
	b = varint.Append(b, id)
	b = varint.Append(b, uint64(len(value)))
	return append(b, value...)
}

func appendNumericParam(b []byte, id, v uint64) []byte {
	return appendParam(b, id, varint.Append(nil, v))
}

// Marshal encodes the parameters as sent by the given side.
func (p *TransportParameters) Marshal(side Side) []byte {
	var b []byte
	if side == ServerSide && p.HasOriginalDestCID {
		b = appendParam(b, paramOriginalDestinationCID, p.OriginalDestinationCID)
	}
	if p.MaxIdleTimeout > 0 {
		b = appendNumericParam(b, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	}
	if side == ServerSide && p.StatelessResetToken != nil {
		b = appendParam(b, paramStatelessResetToken, p.StatelessResetToken[:])
	}
	if p.MaxUDPPayloadSize > 0 {
		b = appendNumericParam(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	}
	b = appendNumericParam(b, paramInitialMaxData, p.InitialMaxData)
	b = appendNumericParam(b, paramInitialMaxStreamDataBidiL, p.InitialMaxStreamDataBidiLocal)
	b = appendNumericParam(b, paramInitialMaxStreamDataBidiR, p.InitialMaxStreamDataBidiRemote)
	b = appendNumericParam(b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	b = appendNumericParam(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	b = appendNumericParam(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	if p.AckDelayExponent != DefaultAckDelayExponent {
		b = appendNumericParam(b, paramAckDelayExponent, uint64(p.AckDelayExponent))
	}
	if p.MaxAckDelay != DefaultMaxAckDelay {
		b = appendNumericParam(b, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	}
	if p.DisableActiveMigration {
		b = appendParam(b, paramDisableActiveMigration, nil)
	}
	if p.ActiveConnectionIDLimit != DefaultActiveConnectionIDLimit {
		b = appendNumericParam(b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	}
	if p.HasInitialSourceCID {
		b = appendParam(b, paramInitialSourceCID, p.InitialSourceCID)
	}
	if side == ServerSide && p.HasRetrySourceCID {
		b = appendParam(b, paramRetrySourceCID, p.RetrySourceCID)
	}
	return b
}

// Unmarshal decodes transport parameters sent by sentBy.  Violations are
// returned as TRANSPORT_PARAMETER_ERROR.
func (p *TransportParameters) Unmarshal(data []byte, sentBy Side) error {
	perr := func(format string, args ...interface{}) error {
		return NewError(TransportParameterError, format, args...)
	}

	p.AckDelayExponent = DefaultAckDelayExponent
	p.MaxAckDelay = DefaultMaxAckDelay
	p.MaxUDPPayloadSize = DefaultMaxUDPPayloadSize
	p.ActiveConnectionIDLimit = DefaultActiveConnectionIDLimit

	seen := make(map[uint64]bool)
	for pos := 0; pos < len(data); {
		id, n, err := varint.Consume(data[pos:])
		if err != nil {
			return perr("truncated parameter id")
		}
		pos += n
		length, n, err := varint.Consume(data[pos:])
		if err != nil {
			return perr("truncated parameter length")
		}
		pos += n
		if uint64(len(data)-pos) < length {
			return perr("parameter 0x%x length %d exceeds remaining %d", id, length, len(data)-pos)
		}
		value := data[pos : pos+int(length)]
		pos += int(length)

		if id <= paramRetrySourceCID {
			if seen[id] {
				return perr("duplicate parameter 0x%x", id)
			}
			seen[id] = true
		}

		numeric := func() (uint64, error) {
			v, n, err := varint.Consume(value)
			if err != nil || n != len(value) {
				return 0, perr("malformed numeric parameter 0x%x", id)
			}
			return v, nil
		}

		switch id {
		case paramOriginalDestinationCID:
			if sentBy == ClientSide {
				return perr("client sent original_destination_connection_id")
			}
			p.OriginalDestinationCID = append(ConnectionID(nil), value...)
			p.HasOriginalDestCID = true
		case paramMaxIdleTimeout:
			v, err := numeric()
			if err != nil {
				return err
			}
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramStatelessResetToken:
			if sentBy == ClientSide {
				return perr("client sent stateless_reset_token")
			}
			if len(value) != StatelessResetTokenLen {
				return perr("stateless_reset_token with length %d", len(value))
			}
			var tok StatelessResetToken
			copy(tok[:], value)
			p.StatelessResetToken = &tok
		case paramMaxUDPPayloadSize:
			v, err := numeric()
			if err != nil {
				return err
			}
			if v < 1200 {
				return perr("max_udp_payload_size %d below 1200", v)
			}
			p.MaxUDPPayloadSize = v
		case paramInitialMaxData:
			if p.InitialMaxData, err = numeric(); err != nil {
				return err
			}
		case paramInitialMaxStreamDataBidiL:
			if p.InitialMaxStreamDataBidiLocal, err = numeric(); err != nil {
				return err
			}
		case paramInitialMaxStreamDataBidiR:
			if p.InitialMaxStreamDataBidiRemote, err = numeric(); err != nil {
				return err
			}
		case paramInitialMaxStreamDataUni:
			if p.InitialMaxStreamDataUni, err = numeric(); err != nil {
				return err
			}
		case paramInitialMaxStreamsBidi:
			v, err := numeric()
			if err != nil {
				return err
			}
			if v > 1<<60 {
				return perr("initial_max_streams_bidi exceeds 2^60")
			}
			p.InitialMaxStreamsBidi = v
		case paramInitialMaxStreamsUni:
			v, err := numeric()
			if err != nil {
				return err
			}
			if v > 1<<60 {
				return perr("initial_max_streams_uni exceeds 2^60")
			}
			p.InitialMaxStreamsUni = v
		case paramAckDelayExponent:
			v, err := numeric()
			if err != nil {
				return err
			}
			if v > 20 {
				return perr("ack_delay_exponent %d exceeds 20", v)
			}
			p.AckDelayExponent = uint8(v)
		case paramMaxAckDelay:
			v, err := numeric()
			if err != nil {
				return err
			}
			if v >= 1<<14 {
				return perr("max_ack_delay %dms exceeds 2^14ms", v)
			}
			p.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			if len(value) != 0 {
				return perr("disable_active_migration with a value")
			}
			p.DisableActiveMigration = true
		case paramPreferredAddress:
			if sentBy == ClientSide {
				return perr("client sent preferred_address")
			}
			// 4+2 IPv4, 16+2 IPv6, 1 CID length prefix, 16 reset token.
			if len(value) < 41 {
				return perr("preferred_address too short")
			}
			cidLen := int(value[24])
			if cidLen > MaxConnectionIDLen || len(value) != 41+cidLen {
				return perr("preferred_address with bad connection ID length")
			}
			// Preferred addresses are validated but not used for migration.
		case paramActiveConnectionIDLimit:
			v, err := numeric()
			if err != nil {
				return err
			}
			if v < 2 {
				return perr("active_connection_id_limit %d below 2", v)
			}
			p.ActiveConnectionIDLimit = v
		case paramInitialSourceCID:
			p.InitialSourceCID = append(ConnectionID(nil), value...)
			p.HasInitialSourceCID = true
		case paramRetrySourceCID:
			if sentBy == ClientSide {
				return perr("client sent retry_source_connection_id")
			}
			p.RetrySourceCID = append(ConnectionID(nil), value...)
			p.HasRetrySourceCID = true
		default:
			// Unknown parameters are ignored.
		}
	}

	if !p.HasInitialSourceCID {
		return perr("missing initial_source_connection_id")
	}
	if sentBy == ServerSide && !p.HasOriginalDestCID {
		return perr("server omitted original_destination_connection_id")
	}
	return nil
}
