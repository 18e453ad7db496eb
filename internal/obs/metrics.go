// Package obs exposes Prometheus collectors and the health/metrics HTTP endpoint.
package obs

import (
	"github.com/1ureka/mtcp/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for the role label.
const (
	RoleClient = "client"
	RoleServer = "server"
)

var (
	LinksAlive     = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "mtcp_links_alive", Help: "Physical links with a running receive loop"}, []string{"role"})
	StreamsActive  = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "mtcp_streams_active", Help: "Open logical streams"}, []string{"role"})
	StreamsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mtcp_streams_total", Help: "Logical streams opened"}, []string{"role"})
	FramesTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mtcp_frames_total", Help: "Frames by direction and message type"}, []string{"role", "direction", "type"})
	BytesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mtcp_payload_bytes_total", Help: "Stream payload bytes by direction"}, []string{"role", "direction"})
	DroppedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mtcp_dropped_frames_total", Help: "Inbound Data frames for unknown or closed streams"}, []string{"role"})
	ErrorsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mtcp_errors_total", Help: "Errors by type"}, []string{"role", "type"})
	StreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "mtcp_stream_duration_seconds", Help: "Logical stream lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"role"})
)

// TypeLabel maps a message type tag to its metric label.
func TypeLabel(t uint8) string {
	switch t {
	case protocol.TypeData:
		return "data"
	case protocol.TypeNewStream:
		return "new_stream"
	case protocol.TypeCloseStream:
		return "close_stream"
	case protocol.TypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}
