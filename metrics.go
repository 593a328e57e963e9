package juggler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"juggler/internal/transport"
)

// frameTagLabel maps a transport frame tag byte to the Prometheus label
// value used by framesSent/framesReceived.
func frameTagLabel(tag byte) string {
	switch tag {
	case transport.TagFinal:
		return "final"
	case transport.TagSegment:
		return "segment"
	case transport.TagPing:
		return "ping"
	case transport.TagPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Metrics holds the Prometheus collectors for a Server or Client.
// client_golang is present in the teacher's dependency set but never
// wired to a collector anywhere in its visible source; it is wired here
// for real, one collector per connection-lifecycle and sync-loop event.
type Metrics struct {
	connectionsActive prometheus.Gauge
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	segmentsSent      prometheus.Counter
	segmentsReceived  prometheus.Counter
	pingFailures      prometheus.Counter
	idleTimeouts      prometheus.Counter
	flushLatency      prometheus.Histogram
	stateDiffSize     prometheus.Histogram
}

// NewMetrics registers a fresh set of collectors on reg. Pass
// prometheus.DefaultRegisterer to use the global registry, or a
// dedicated prometheus.NewRegistry() in tests to avoid collisions
// between parallel test servers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "juggler",
			Name:      "connections_active",
			Help:      "Number of currently open Juggler connections.",
		}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "frames_sent_total",
			Help:      "Frames written to the wire, by tag.",
		}, []string{"tag"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "frames_received_total",
			Help:      "Frames read from the wire, by tag.",
		}, []string{"tag"}),
		segmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "segments_sent_total",
			Help:      "Message segments written (segmentation fan-out of Send).",
		}),
		segmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "segments_received_total",
			Help:      "Message segments read before reassembly completes a message.",
		}),
		pingFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "ping_failures_total",
			Help:      "Pings written to a connection that never observed a pong before its timeout.",
		}),
		idleTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "idle_timeouts_total",
			Help:      "Connections closed for exceeding the idle keepalive timeout.",
		}),
		flushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "juggler",
			Name:      "flush_latency_seconds",
			Help:      "Time from the start of a sync cycle's wait to its diff being emitted.",
			Buckets:   prometheus.DefBuckets,
		}),
		stateDiffSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "juggler",
			Name:      "state_diff_bytes",
			Help:      "Size in bytes of emitted state-sync diffs.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),
	}
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) frameSent(tag string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(tag).Inc()
}

func (m *Metrics) frameReceived(tag string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(tag).Inc()
}

func (m *Metrics) segmentSent() {
	if m == nil {
		return
	}
	m.segmentsSent.Inc()
}

func (m *Metrics) segmentReceived() {
	if m == nil {
		return
	}
	m.segmentsReceived.Inc()
}

func (m *Metrics) pingFailed() {
	if m == nil {
		return
	}
	m.pingFailures.Inc()
}

func (m *Metrics) idleTimeout() {
	if m == nil {
		return
	}
	m.idleTimeouts.Inc()
}

func (m *Metrics) observeFlushLatencySeconds(s float64) {
	if m == nil {
		return
	}
	m.flushLatency.Observe(s)
}

func (m *Metrics) observeStateDiffBytes(n int) {
	if m == nil {
		return
	}
	m.stateDiffSize.Observe(float64(n))
}
