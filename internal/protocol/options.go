package protocol

import (
	"time"

	"github.com/1ureka/relink/internal/clock"
)

// LoadMonitor tells whether the local process is too busy to read and
// acknowledge in time. Timeout checks are deferred while it reports true.
type LoadMonitor interface {
	HasHighLoad() bool
}

// Recorder receives protocol counters. Implementations must be safe for
// concurrent use and must not call back into the protocol.
type Recorder interface {
	MessageWritten(t MessageType, bytes int)
	MessageRead(t MessageType, bytes int)
	Retransmitted(count int)
	ReplayRequested()
	SocketTimeout(kind string)
	Reconnected()
}

// Scheduler runs deferred work "soon", on another turn than the caller's.
// The Writer uses it to coalesce writes issued back to back.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to a Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// GoScheduler runs each scheduled func on a new goroutine.
var GoScheduler Scheduler = SchedulerFunc(func(fn func()) { go fn() })

// Options configures a protocol instance. Zero fields take defaults.
type Options struct {
	Clock     clock.Clock
	Load      LoadMonitor
	Scheduler Scheduler
	Recorder  Recorder

	AcknowledgeTime        time.Duration
	AcknowledgeTimeoutTime time.Duration
	KeepAliveTime          time.Duration
	KeepAliveTimeoutTime   time.Duration
	ReplayRequestThrottle  time.Duration

	// MaxMessageSize bounds incoming bodies; negative disables the bound.
	MaxMessageSize int

	// Name tags log lines of this instance.
	Name string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Load == nil {
		o.Load = neverLoaded{}
	}
	if o.Scheduler == nil {
		o.Scheduler = GoScheduler
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.AcknowledgeTime <= 0 {
		o.AcknowledgeTime = AcknowledgeTime
	}
	if o.AcknowledgeTimeoutTime <= 0 {
		o.AcknowledgeTimeoutTime = AcknowledgeTimeoutTime
	}
	if o.KeepAliveTime <= 0 {
		o.KeepAliveTime = KeepAliveTime
	}
	if o.KeepAliveTimeoutTime <= 0 {
		o.KeepAliveTimeoutTime = KeepAliveTimeoutTime
	}
	if o.ReplayRequestThrottle <= 0 {
		o.ReplayRequestThrottle = ReplayRequestThrottle
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.Name == "" {
		o.Name = "protocol"
	}
	return o
}

type neverLoaded struct{}

func (neverLoaded) HasHighLoad() bool { return false }

type nopRecorder struct{}

func (nopRecorder) MessageWritten(MessageType, int) {}
func (nopRecorder) MessageRead(MessageType, int)    {}
func (nopRecorder) Retransmitted(int)               {}
func (nopRecorder) ReplayRequested()                {}
func (nopRecorder) SocketTimeout(string)            {}
func (nopRecorder) Reconnected()                    {}
