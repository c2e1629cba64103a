package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "conn",
			Name:      "messages_total",
			Help:      "Messages sent and received by direction.",
		},
		[]string{"client", "direction"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "conn",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes sent and received by direction.",
		},
		[]string{"client", "direction"},
	)
	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "conn",
			Name:      "reconnects_total",
			Help:      "Successful reconnects after a connection loss.",
		},
		[]string{"client"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "client",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped by reason.",
		},
		[]string{"client", "reason"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgebus",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Request/reply round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"client", "outcome"},
	)
	streamAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "streaming",
			Name:      "publish_acks_total",
			Help:      "Streaming publish acknowledgements by outcome.",
		},
		[]string{"client", "outcome"},
	)
	streamAckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgebus",
			Subsystem: "streaming",
			Name:      "publish_ack_duration_seconds",
			Help:      "Streaming publish to ack latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"client"},
	)
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	DropSlowConsumer = "slow_consumer"
	DropUnknownSID   = "unknown_sid"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			messagesTotal, bytesTotal, reconnectsTotal, droppedTotal,
			requestDuration, streamAcks, streamAckDuration,
		)
	})
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordMessage(client, direction string, size int) {
	RegisterMetrics()
	messagesTotal.WithLabelValues(client, direction).Inc()
	bytesTotal.WithLabelValues(client, direction).Add(float64(size))
}

func RecordReconnect(client string) {
	RegisterMetrics()
	reconnectsTotal.WithLabelValues(client).Inc()
}

func RecordDrop(client, reason string) {
	RegisterMetrics()
	droppedTotal.WithLabelValues(client, reason).Inc()
}

func RecordRequest(client, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(client, outcome).Observe(duration.Seconds())
}

func RecordStreamAck(client, outcome string, duration time.Duration) {
	RegisterMetrics()
	streamAcks.WithLabelValues(client, outcome).Inc()
	if outcome == "ok" {
		streamAckDuration.WithLabelValues(client).Observe(duration.Seconds())
	}
}
