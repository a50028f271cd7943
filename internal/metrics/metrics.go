package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors. A single instance is
// created at startup and shared by reference; a nil *Metrics disables
// recording, which tests rely on.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	AppsRunning       prometheus.Gauge
	StreamsActive     *prometheus.GaugeVec
	StreamsTotal      *prometheus.CounterVec
	KeepAlivesSent    prometheus.Counter
	AcksMissed        prometheus.Counter
	StreamTimeouts    prometheus.Counter
	EventsRouted      *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	PhotoRequests     prometheus.Counter
	DisplayEventsSent prometheus.Counter
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lenscloud_sessions_active",
			Help: "Number of live user sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lenscloud_sessions_total",
			Help: "Total user sessions created.",
		}),
		AppsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lenscloud_apps_running",
			Help: "Number of Apps currently in the running state.",
		}),
		StreamsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lenscloud_streams_active",
			Help: "Number of live RTMP streams by kind.",
		}, []string{"kind"}),
		StreamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lenscloud_streams_total",
			Help: "Total RTMP streams started by kind.",
		}, []string{"kind"}),
		KeepAlivesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lenscloud_keepalives_sent_total",
			Help: "Total keep_rtmp_stream_alive messages sent.",
		}),
		AcksMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lenscloud_acks_missed_total",
			Help: "Total keep-alive ACK windows that expired.",
		}),
		StreamTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lenscloud_stream_timeouts_total",
			Help: "Total streams transitioned to timeout after missed ACKs.",
		}),
		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lenscloud_events_routed_total",
			Help: "Total events fanned out to subscribers by stream type.",
		}, []string{"stream_type"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lenscloud_protocol_errors_total",
			Help: "Total malformed or unexpected inbound messages.",
		}),
		PhotoRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "lenscloud_photo_requests_total",
			Help: "Total photo requests created.",
		}),
		DisplayEventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lenscloud_display_events_total",
			Help: "Total display events emitted to glasses.",
		}),
	}
}
