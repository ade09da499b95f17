package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseOverrides(t *testing.T) {
	c := Default()
	err := c.Parse(strings.NewReader(`
maxidletimeout: 10s
initialmaxdata: 2097152
connectionidlength: 16
requireretry: true
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxIdleTimeout.D() != 10*time.Second {
		t.Errorf("idle timeout %v", c.MaxIdleTimeout)
	}
	if c.InitialMaxData != 2097152 {
		t.Errorf("max data %d", c.InitialMaxData)
	}
	if c.ConnectionIDLength != 16 {
		t.Errorf("cid length %d", c.ConnectionIDLength)
	}
	if !c.RequireRetry {
		t.Error("requireretry not set")
	}
	// Untouched fields keep defaults.
	if c.MaxStreamsBidi != 100 {
		t.Errorf("max streams %d", c.MaxStreamsBidi)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.ConnectionIDLength = 0 },
		func(c *Config) { c.ConnectionIDLength = 21 },
		func(c *Config) { c.ActiveConnectionIDLimit = 1 },
		func(c *Config) { c.AckDelayExponent = 21 },
		func(c *Config) { c.MaxMTU = 1000 },
	}
	for i, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d accepted", i)
		}
	}
}

func TestTransportParameters(t *testing.T) {
	c := Default()
	p := c.TransportParameters()
	if p.InitialMaxData != c.InitialMaxData {
		t.Error("max data not carried over")
	}
	if p.ActiveConnectionIDLimit != c.ActiveConnectionIDLimit {
		t.Error("cid limit not carried over")
	}
	if p.MaxAckDelay != c.MaxAckDelay.D() {
		t.Error("max ack delay not carried over")
	}
}
