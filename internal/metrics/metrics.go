// Package metrics exports protocol and session counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

const namespace = "relink"

// Recorder implements protocol.Recorder. Besides the Prometheus series it
// keeps the util.Stats counters the periodic reporter logs.
type Recorder struct {
	reg   *prometheus.Registry
	stats *util.Stats

	messagesWritten *prometheus.CounterVec
	messagesRead    *prometheus.CounterVec
	bytesWritten    prometheus.Counter
	bytesRead       prometheus.Counter
	retransmits     prometheus.Counter
	replayRequests  prometheus.Counter
	timeouts        *prometheus.CounterVec
	reconnects      prometheus.Counter
}

var _ protocol.Recorder = (*Recorder)(nil)

// New registers the relink series on a fresh registry. stats may be nil.
func New(stats *util.Stats) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		reg:   reg,
		stats: stats,

		messagesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_written_total",
			Help:      "Protocol messages written, by type.",
		}, []string{"type"}),
		messagesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_read_total",
			Help:      "Protocol messages read, by type.",
		}, []string{"type"}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Encoded message bytes written, headers included.",
		}),
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Encoded message bytes read, headers included.",
		}),
		retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Regular messages written again after a replay request or reconnection.",
		}),
		replayRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_requests_total",
			Help:      "Replay requests sent after a gap in incoming ids.",
		}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_timeouts_total",
			Help:      "Socket timeouts reported, by kind.",
		}, []string{"kind"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnections completed.",
		}),
	}
}

// RegisterSessions exports the number of live sessions, read from count at
// scrape time.
func (r *Recorder) RegisterSessions(count func() int) {
	promauto.With(r.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Live sessions.",
	}, func() float64 { return float64(count()) })
}

// Registry returns the registry the series live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Recorder) MessageWritten(t protocol.MessageType, bytes int) {
	r.messagesWritten.WithLabelValues(t.String()).Inc()
	r.bytesWritten.Add(float64(bytes))
}

func (r *Recorder) MessageRead(t protocol.MessageType, bytes int) {
	r.messagesRead.WithLabelValues(t.String()).Inc()
	r.bytesRead.Add(float64(bytes))
}

func (r *Recorder) Retransmitted(count int) {
	r.retransmits.Add(float64(count))
	if r.stats != nil {
		r.stats.AddRetransmit(count)
	}
}

func (r *Recorder) ReplayRequested() { r.replayRequests.Inc() }

func (r *Recorder) SocketTimeout(kind string) {
	r.timeouts.WithLabelValues(kind).Inc()
}

func (r *Recorder) Reconnected() {
	r.reconnects.Inc()
	if r.stats != nil {
		r.stats.AddReconnect()
	}
}
