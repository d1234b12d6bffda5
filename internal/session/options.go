package session

import (
	"time"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

const DefaultHandshakeTimeout = 10 * time.Second

// DefaultBackoff is the wait before each reconnection attempt. The last
// entry repeats.
var DefaultBackoff = []time.Duration{
	0,
	5 * time.Second, 5 * time.Second,
	10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	30 * time.Second,
}

// Options configures a Server or a Client. Zero fields take defaults.
type Options struct {
	Protocol protocol.Options

	HandshakeTimeout time.Duration
	// GraceTime is how long a session waits for its peer to come back.
	GraceTime time.Duration
	// ShortGraceTime bounds the first connection attempt of a client.
	ShortGraceTime time.Duration
	Backoff        []time.Duration

	// Stats, when set, counts established sessions.
	Stats *util.Stats
}

func (o Options) withDefaults() Options {
	if o.Protocol.Clock == nil {
		o.Protocol.Clock = clock.Real()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.GraceTime <= 0 {
		o.GraceTime = protocol.ReconnectionGraceTime
	}
	if o.ShortGraceTime <= 0 {
		o.ShortGraceTime = protocol.ReconnectionShortGraceTime
	}
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

func (o Options) backoff(attempt int) time.Duration {
	if attempt >= len(o.Backoff) {
		return o.Backoff[len(o.Backoff)-1]
	}
	return o.Backoff[attempt]
}

func (o Options) protocolOptions(name string) protocol.Options {
	p := o.Protocol
	p.Name = name
	return p
}
