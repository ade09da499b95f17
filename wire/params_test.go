package wire

import (
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestParamsRoundTrip(t *testing.T) {
	token := StatelessResetToken{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	p := &TransportParameters{
		OriginalDestinationCID:         ConnectionID{1, 2, 3, 4},
		HasOriginalDestCID:             true,
		InitialSourceCID:               ConnectionID{5, 6, 7, 8},
		HasInitialSourceCID:            true,
		StatelessResetToken:            &token,
		MaxIdleTimeout:                 30 * time.Second,
		MaxUDPPayloadSize:              1472,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 16,
		InitialMaxStreamDataBidiRemote: 1 << 17,
		InitialMaxStreamDataUni:        1 << 15,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           3,
		AckDelayExponent:               8,
		MaxAckDelay:                    40 * time.Millisecond,
		DisableActiveMigration:         true,
		ActiveConnectionIDLimit:        4,
	}
	b := p.Marshal(ServerSide)
	var got TransportParameters
	if err := got.Unmarshal(b, ServerSide); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(&got, p); diff != nil {
		t.Error(diff)
	}
}

func TestParamsDefaults(t *testing.T) {
	// Fields holding their default values are omitted on the wire and must
	// be restored on decode.
	p := &TransportParameters{
		InitialSourceCID:        ConnectionID{1},
		HasInitialSourceCID:     true,
		AckDelayExponent:        DefaultAckDelayExponent,
		MaxAckDelay:             DefaultMaxAckDelay,
		ActiveConnectionIDLimit: DefaultActiveConnectionIDLimit,
	}
	b := p.Marshal(ClientSide)
	var got TransportParameters
	if err := got.Unmarshal(b, ClientSide); err != nil {
		t.Fatal(err)
	}
	if got.AckDelayExponent != DefaultAckDelayExponent {
		t.Errorf("ack_delay_exponent default = %d", got.AckDelayExponent)
	}
	if got.MaxAckDelay != DefaultMaxAckDelay {
		t.Errorf("max_ack_delay default = %v", got.MaxAckDelay)
	}
	if got.ActiveConnectionIDLimit != DefaultActiveConnectionIDLimit {
		t.Errorf("active_connection_id_limit default = %d", got.ActiveConnectionIDLimit)
	}
	if got.MaxUDPPayloadSize != DefaultMaxUDPPayloadSize {
		t.Errorf("max_udp_payload_size default = %d", got.MaxUDPPayloadSize)
	}
}

func TestParamsValidation(t *testing.T) {
	base := func() *TransportParameters {
		return &TransportParameters{InitialSourceCID: ConnectionID{1}, HasInitialSourceCID: true}
	}
	cases := []struct {
		name   string
		mutate func(*TransportParameters)
		sentBy Side
	}{
		{"client sends odcid", func(p *TransportParameters) {
			p.HasOriginalDestCID = true
			p.OriginalDestinationCID = ConnectionID{1}
		}, ClientSide},
		{"client sends reset token", func(p *TransportParameters) {
			p.StatelessResetToken = &StatelessResetToken{}
		}, ClientSide},
		{"server omits odcid", func(p *TransportParameters) {}, ServerSide},
	}
	for _, c := range cases {
		p := base()
		c.mutate(p)
		// Marshal as server so one-sided fields are encoded, then decode
		// claiming they came from the case's sender.
		b := p.Marshal(ServerSide)
		var got TransportParameters
		err := got.Unmarshal(b, c.sentBy)
		if err == nil {
			t.Errorf("%s: accepted", c.name)
			continue
		}
		te, ok := err.(*TransportError)
		if !ok || te.Code != TransportParameterError {
			t.Errorf("%s: error %v, want TRANSPORT_PARAMETER_ERROR", c.name, err)
		}
	}

	var got TransportParameters
	// ack_delay_exponent over 20
	b := appendNumericParam(nil, paramAckDelayExponent, 21)
	b = appendParam(b, paramInitialSourceCID, ConnectionID{1})
	if err := got.Unmarshal(b, ClientSide); err == nil {
		t.Error("ack_delay_exponent 21 accepted")
	}
	// max_udp_payload_size under 1200
	b = appendNumericParam(nil, paramMaxUDPPayloadSize, 1199)
	b = appendParam(b, paramInitialSourceCID, ConnectionID{1})
	if err := got.Unmarshal(b, ClientSide); err == nil {
		t.Error("max_udp_payload_size 1199 accepted")
	}
	// duplicate parameter
	b = appendNumericParam(nil, paramInitialMaxData, 1)
	b = appendNumericParam(b, paramInitialMaxData, 1)
	b = appendParam(b, paramInitialSourceCID, ConnectionID{1})
	if err := got.Unmarshal(b, ClientSide); err == nil {
		t.Error("duplicate parameter accepted")
	}
	// unknown parameters are ignored
	b = appendParam(nil, 0x7f39, []byte{1, 2, 3})
	b = appendParam(b, paramInitialSourceCID, ConnectionID{1})
	if err := got.Unmarshal(b, ClientSide); err != nil {
		t.Errorf("unknown parameter rejected: %v", err)
	}
}
