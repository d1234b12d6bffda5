// Package config holds the CLI configuration and maps it onto the option
// structs of the protocol and session layers.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/session"
	"github.com/1ureka/relink/internal/signaling"
	rtc "github.com/1ureka/relink/internal/webrtc"
)

// Role represents the user's chosen role (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Config stores every parameter gathered from flags or interactive prompts.
type Config struct {
	Role       Role
	TargetPort int    // Host: the TCP service port to forward
	LocalPort  int    // Client: local port for the virtual service
	Listen     string // Host: HTTP listen address for /ws and /metrics
	WSURL      string // Client: WebSocket URL to connect to
	PIN        string // Client: PIN printed by the host

	// MetricsAddr, when set on a client, serves /metrics there. The host
	// always serves /metrics next to /ws.
	MetricsAddr string

	Transport   signaling.Transport
	STUNServers []string
	Debug       bool

	AcknowledgeTime        time.Duration
	AcknowledgeTimeoutTime time.Duration
	KeepAliveTime          time.Duration
	KeepAliveTimeoutTime   time.Duration
	ReplayRequestThrottle  time.Duration
	GraceTime              time.Duration
	ShortGraceTime         time.Duration
	HandshakeTimeout       time.Duration
	MaxMessageSize         int
}

// Default returns the configuration used when no flag overrides a field.
func Default() Config {
	return Config{
		Listen:                 "127.0.0.1:0",
		Transport:              signaling.TransportWebSocket,
		STUNServers:            rtc.DefaultSTUNServers,
		AcknowledgeTime:        protocol.AcknowledgeTime,
		AcknowledgeTimeoutTime: protocol.AcknowledgeTimeoutTime,
		KeepAliveTime:          protocol.KeepAliveTime,
		KeepAliveTimeoutTime:   protocol.KeepAliveTimeoutTime,
		ReplayRequestThrottle:  protocol.ReplayRequestThrottle,
		GraceTime:              protocol.ReconnectionGraceTime,
		ShortGraceTime:         protocol.ReconnectionShortGraceTime,
		HandshakeTimeout:       session.DefaultHandshakeTimeout,
		MaxMessageSize:         protocol.DefaultMaxMessageSize,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleHost:
		if !validPort(c.TargetPort) {
			errs = append(errs, fmt.Errorf("invalid target port %d: must be 1~65535", c.TargetPort))
		}
		if c.Listen == "" {
			errs = append(errs, errors.New("missing listen address"))
		}
	case RoleClient:
		if !validPort(c.LocalPort) {
			errs = append(errs, fmt.Errorf("invalid local port %d: must be 1~65535", c.LocalPort))
		}
		if u, err := url.Parse(c.WSURL); err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("invalid WebSocket URL %q", c.WSURL))
		}
		if c.PIN == "" {
			errs = append(errs, errors.New("missing PIN"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be host or client", c.Role))
	}

	switch c.Transport {
	case signaling.TransportWebSocket, signaling.TransportWebRTC:
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q: must be ws or webrtc", c.Transport))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"ack time", c.AcknowledgeTime},
		{"ack timeout", c.AcknowledgeTimeoutTime},
		{"keep-alive time", c.KeepAliveTime},
		{"keep-alive timeout", c.KeepAliveTimeoutTime},
		{"replay throttle", c.ReplayRequestThrottle},
		{"grace time", c.GraceTime},
		{"short grace time", c.ShortGraceTime},
		{"handshake timeout", c.HandshakeTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.name, d.d))
		}
	}
	if c.KeepAliveTimeoutTime > 0 && c.KeepAliveTime >= c.KeepAliveTimeoutTime {
		errs = append(errs, fmt.Errorf("keep-alive time %v must be below its timeout %v", c.KeepAliveTime, c.KeepAliveTimeoutTime))
	}
	if c.AcknowledgeTimeoutTime > 0 && c.AcknowledgeTime >= c.AcknowledgeTimeoutTime {
		errs = append(errs, fmt.Errorf("ack time %v must be below its timeout %v", c.AcknowledgeTime, c.AcknowledgeTimeoutTime))
	}

	return errors.Join(errs...)
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// ProtocolOptions maps the timing fields onto protocol.Options. The caller
// fills in the clock, load monitor and recorder.
func (c Config) ProtocolOptions() protocol.Options {
	return protocol.Options{
		AcknowledgeTime:        c.AcknowledgeTime,
		AcknowledgeTimeoutTime: c.AcknowledgeTimeoutTime,
		KeepAliveTime:          c.KeepAliveTime,
		KeepAliveTimeoutTime:   c.KeepAliveTimeoutTime,
		ReplayRequestThrottle:  c.ReplayRequestThrottle,
		MaxMessageSize:         c.MaxMessageSize,
	}
}

// SessionOptions wraps p with the session timings.
func (c Config) SessionOptions(p protocol.Options) session.Options {
	return session.Options{
		Protocol:         p,
		HandshakeTimeout: c.HandshakeTimeout,
		GraceTime:        c.GraceTime,
		ShortGraceTime:   c.ShortGraceTime,
	}
}

// WebRTC returns the peer configuration.
func (c Config) WebRTC() rtc.Config {
	return rtc.Config{STUNServers: c.STUNServers}
}
