package monitoring

import (
	"time"

	"ridercomm/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RelayMetrics.
type PrometheusCollector struct {
	// Occupancy
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	members     prometheus.Gauge

	// Message flow
	received *prometheus.CounterVec
	relayed  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	errors   *prometheus.CounterVec

	handlingDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the relay metrics on reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ridercomm_connections",
			Help: "Number of open signaling connections",
		}),

		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ridercomm_rooms",
			Help: "Number of rooms with at least one member",
		}),

		members: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ridercomm_room_members",
			Help: "Number of connections that joined a room",
		}),

		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ridercomm_messages_received_total",
			Help: "Signal messages received from clients",
		}, []string{"type"}),

		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ridercomm_messages_relayed_total",
			Help: "Signal messages forwarded to a recipient",
		}, []string{"type"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ridercomm_messages_dropped_total",
			Help: "Signal messages dropped instead of relayed",
		}, []string{"type", "reason"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ridercomm_relay_errors_total",
			Help: "Relay errors by reason",
		}, []string{"reason"}),

		handlingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ridercomm_message_handling_seconds",
			Help:    "Time spent handling one signal message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) SetConnections(n int) {
	p.connections.Set(float64(n))
}

func (p *PrometheusCollector) SetRooms(n int) {
	p.rooms.Set(float64(n))
}

func (p *PrometheusCollector) SetMembers(n int) {
	p.members.Set(float64(n))
}

func (p *PrometheusCollector) IncReceived(t domain.MessageType) {
	p.received.WithLabelValues(label(t)).Inc()
}

func (p *PrometheusCollector) IncRelayed(t domain.MessageType) {
	p.relayed.WithLabelValues(label(t)).Inc()
}

func (p *PrometheusCollector) IncDropped(t domain.MessageType, reason string) {
	p.dropped.WithLabelValues(label(t), reason).Inc()
}

func (p *PrometheusCollector) IncErrors(reason string) {
	p.errors.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ObserveHandling(t domain.MessageType, d time.Duration) {
	p.handlingDuration.WithLabelValues(label(t)).Observe(d.Seconds())
}

// label keeps client-chosen types from growing label cardinality.
func label(t domain.MessageType) string {
	switch t {
	case domain.MessageJoinRoom, domain.MessageOffer, domain.MessageAnswer, domain.MessageICECandidate:
		return string(t)
	default:
		return "other"
	}
}
