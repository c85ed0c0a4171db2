package raopd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared across every Session in a
// process, labelled by session ID so multiple independent concurrent
// sessions remain distinguishable: a struct of *prometheus.*Vec fields
// built once via promauto against a registry passed in by the caller.
type Metrics struct {
	packetsReceived   *prometheus.CounterVec // labels: session, socket
	packetsDropped    *prometheus.CounterVec // labels: session, reason
	framesEmitted     *prometheus.CounterVec // labels: session
	resendsSent       *prometheus.CounterVec // labels: session
	resendsFailed     *prometheus.CounterVec // labels: session
	mailboxDrains     *prometheus.CounterVec // labels: session
	bufferOccupancy   *prometheus.GaugeVec   // labels: session
	sessionsActive    prometheus.Gauge
	syncAnchorUpdated *prometheus.CounterVec // labels: session
	bufferLosses      *prometheus.CounterVec // labels: session
	bufferDuplicates  *prometheus.CounterVec // labels: session
}

// NewMetrics registers the engine's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions across repeated
// construction; pass prometheus.DefaultRegisterer in a process that wants
// these on its global /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		packetsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_packets_received_total",
				Help: "UDP datagrams received per session and socket.",
			},
			[]string{"session", "socket"},
		),
		packetsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_packets_dropped_total",
				Help: "Packets dropped per session, by reason.",
			},
			[]string{"session", "reason"},
		),
		framesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_frames_emitted_total",
				Help: "Decoded PCM frames delivered to the sink per session.",
			},
			[]string{"session"},
		),
		resendsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_resend_requests_sent_total",
				Help: "Resend requests sent per session.",
			},
			[]string{"session"},
		),
		resendsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_resend_requests_failed_total",
				Help: "Resend requests that failed to send per session.",
			},
			[]string{"session"},
		),
		mailboxDrains: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_mailbox_drains_total",
				Help: "Event mailbox drains with at least one changed field, per session.",
			},
			[]string{"session"},
		),
		bufferOccupancy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "raopd_reorder_buffer_occupancy",
				Help: "Filled slots in the reorder buffer per session.",
			},
			[]string{"session"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "raopd_sessions_active",
				Help: "Sessions currently in the Active state.",
			},
		),
		syncAnchorUpdated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_sync_anchor_updates_total",
				Help: "Clock-sync anchor updates received per session.",
			},
			[]string{"session"},
		),
		bufferLosses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_reorder_buffer_losses_total",
				Help: "Sequence numbers skipped by a forward cursor jump, per session.",
			},
			[]string{"session"},
		),
		bufferDuplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raopd_reorder_buffer_late_duplicates_total",
				Help: "Packets discarded as late duplicates behind the cursor, per session.",
			},
			[]string{"session"},
		),
	}
}
