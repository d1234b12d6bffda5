package config

import (
	"strings"
	"testing"
	"time"

	"github.com/1ureka/relink/internal/protocol"
)

func TestDefaultIsValid(t *testing.T) {
	host := Default()
	host.Role = RoleHost
	host.TargetPort = 8080
	if err := host.Validate(); err != nil {
		t.Errorf("host: %v", err)
	}

	client := Default()
	client.Role = RoleClient
	client.LocalPort = 9000
	client.WSURL = "wss://example.devtunnels.ms/ws"
	client.PIN = "1234"
	if err := client.Validate(); err != nil {
		t.Errorf("client: %v", err)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no role", func(c *Config) { c.Role = "" }, "invalid role"},
		{"bad target port", func(c *Config) { c.TargetPort = 70000 }, "invalid target port"},
		{"bad transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "invalid transport"},
		{"zero grace", func(c *Config) { c.GraceTime = 0 }, "grace time must be positive"},
		{"keep-alive above timeout", func(c *Config) { c.KeepAliveTime = time.Minute }, "keep-alive time"},
		{"ack above timeout", func(c *Config) { c.AcknowledgeTime = time.Minute }, "ack time"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Role = RoleHost
			c.TargetPort = 8080
			tc.mutate(&c)

			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

// TestValidateClientReportsAll joins every problem into one error.
func TestValidateClientReportsAll(t *testing.T) {
	c := Default()
	c.Role = RoleClient
	c.WSURL = "http://example.com"

	err := c.Validate()
	if err == nil {
		t.Fatal("Validate accepted an empty client config")
	}
	for _, want := range []string{"invalid local port", "invalid WebSocket URL", "missing PIN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestProtocolOptions(t *testing.T) {
	c := Default()
	c.KeepAliveTime = 3 * time.Second
	c.MaxMessageSize = -1

	p := c.ProtocolOptions()
	if p.KeepAliveTime != 3*time.Second || p.MaxMessageSize != -1 {
		t.Errorf("ProtocolOptions = %+v", p)
	}
	if p.AcknowledgeTime != protocol.AcknowledgeTime {
		t.Errorf("AcknowledgeTime = %v, want the default", p.AcknowledgeTime)
	}

	s := c.SessionOptions(p)
	if s.GraceTime != protocol.ReconnectionGraceTime || s.Protocol.KeepAliveTime != 3*time.Second {
		t.Errorf("SessionOptions = %+v", s)
	}
}
