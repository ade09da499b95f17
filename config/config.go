// Package config holds endpoint and transport configuration.  Defaults
// suit interactive use; a YAML file can override any field, and the demo
// binaries layer flag values on top.
package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/m-lab/quic/wire"
)

// Duration wraps time.Duration so YAML files can say "30s" or "25ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config is the endpoint configuration.
type Config struct {
	// MaxIdleTimeout closes connections silent for this long.  Zero
	// disables the local timeout.
	MaxIdleTimeout Duration `yaml:"maxidletimeout"`

	// KeepAlive sends a PING before the idle timeout would fire.
	KeepAlive bool `yaml:"keepalive"`

	// InitialMaxData is the connection-level receive window.
	InitialMaxData uint64 `yaml:"initialmaxdata"`

	// InitialMaxStreamData is the per-stream receive window.
	InitialMaxStreamData uint64 `yaml:"initialmaxstreamdata"`

	// MaxStreamsBidi / MaxStreamsUni cap concurrent peer-opened streams.
	MaxStreamsBidi uint64 `yaml:"maxstreamsbidi"`
	MaxStreamsUni  uint64 `yaml:"maxstreamsuni"`

	// MaxSendBuffer bounds per-stream bytes buffered by Write.
	MaxSendBuffer int `yaml:"maxsendbuffer"`

	// ConnectionIDLength is the length of locally issued connection IDs.
	ConnectionIDLength int `yaml:"connectionidlength"`

	// ActiveConnectionIDLimit is how many peer connection IDs we store.
	ActiveConnectionIDLimit uint64 `yaml:"activeconnectionidlimit"`

	// MaxAckDelay is the longest we delay a non-immediate ACK.
	MaxAckDelay Duration `yaml:"maxackdelay"`

	// AckDelayExponent scales encoded ack delays.
	AckDelayExponent uint8 `yaml:"ackdelayexponent"`

	// MaxMTU bounds DPLPMTUD probing.
	MaxMTU int `yaml:"maxmtu"`

	// RequireRetry makes the server validate client addresses with Retry
	// before creating connection state.
	RequireRetry bool `yaml:"requireretry"`

	// DisableActiveMigration tells the peer not to migrate.
	DisableActiveMigration bool `yaml:"disableactivemigration"`

	// EventSocket, if set, serves connection events on this unix socket.
	EventSocket string `yaml:"eventsocket"`

	// TraceDir, if set, writes per-connection CSV traces beneath it.
	TraceDir string `yaml:"tracedir"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		MaxIdleTimeout:          Duration(30 * time.Second),
		InitialMaxData:          1 << 20,
		InitialMaxStreamData:    512 << 10,
		MaxStreamsBidi:          100,
		MaxStreamsUni:           100,
		MaxSendBuffer:           512 << 10,
		ConnectionIDLength:      8,
		ActiveConnectionIDLimit: 4,
		MaxAckDelay:             Duration(25 * time.Millisecond),
		AckDelayExponent:        3,
		MaxMTU:                  1500,
	}
}

// Parse reads YAML overrides on top of c.
func (c *Config) Parse(r io.Reader) error {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Load reads YAML overrides from a file.
func Load(path string) (Config, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()
	if err := c.Parse(f); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate rejects configurations the transport cannot honor.
func (c *Config) Validate() error {
	if c.ConnectionIDLength < 1 || c.ConnectionIDLength > wire.MaxConnectionIDLen {
		return fmt.Errorf("config: connection ID length %d outside [1, %d]",
			c.ConnectionIDLength, wire.MaxConnectionIDLen)
	}
	if c.ActiveConnectionIDLimit < 2 {
		return fmt.Errorf("config: active connection ID limit %d below 2", c.ActiveConnectionIDLimit)
	}
	if c.AckDelayExponent > 20 {
		return fmt.Errorf("config: ack delay exponent %d above 20", c.AckDelayExponent)
	}
	if c.MaxAckDelay.D() >= 1<<14*time.Millisecond {
		return fmt.Errorf("config: max ack delay %v too large", c.MaxAckDelay)
	}
	if c.MaxMTU < wire.MinInitialDatagramSize {
		return fmt.Errorf("config: max MTU %d below %d", c.MaxMTU, wire.MinInitialDatagramSize)
	}
	return nil
}

// TransportParameters builds our transport parameters from the config.
// The caller fills the connection ID fields.
func (c *Config) TransportParameters() *wire.TransportParameters {
	return &wire.TransportParameters{
		MaxIdleTimeout:                 c.MaxIdleTimeout.D(),
		MaxUDPPayloadSize:              uint64(c.MaxMTU),
		InitialMaxData:                 c.InitialMaxData,
		InitialMaxStreamDataBidiLocal:  c.InitialMaxStreamData,
		InitialMaxStreamDataBidiRemote: c.InitialMaxStreamData,
		InitialMaxStreamDataUni:        c.InitialMaxStreamData,
		InitialMaxStreamsBidi:          c.MaxStreamsBidi,
		InitialMaxStreamsUni:           c.MaxStreamsUni,
		AckDelayExponent:               c.AckDelayExponent,
		MaxAckDelay:                    c.MaxAckDelay.D(),
		DisableActiveMigration:         c.DisableActiveMigration,
		ActiveConnectionIDLimit:        c.ActiveConnectionIDLimit,
	}
}
