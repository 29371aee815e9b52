package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rtcsession/internal/core/ports"
	"rtcsession/internal/infrastructure/rumor"
)

// ClientCollector exports client activity to Prometheus. It doubles as the
// rumor frame observer.
type ClientCollector struct {
	sessionsConnected prometheus.Gauge
	disconnects       *prometheus.CounterVec

	peerConnections   *prometheus.GaugeVec
	peersOpenedTotal  *prometheus.CounterVec
	negotiationErrors *prometheus.CounterVec

	bitrate     *prometheus.HistogramVec
	signalsSent *prometheus.CounterVec
	framesSent  *prometheus.CounterVec
	framesRecvd *prometheus.CounterVec
}

var (
	_ ports.ClientMetrics = (*ClientCollector)(nil)
	_ rumor.Observer      = (*ClientCollector)(nil)
)

// NewClientCollector registers the client metrics with reg. A nil reg means
// the default registerer.
func NewClientCollector(reg prometheus.Registerer) *ClientCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &ClientCollector{
		sessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtcsession_sessions_connected",
			Help: "Number of currently connected sessions",
		}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_session_disconnects_total",
			Help: "Session disconnections by reason",
		}, []string{"reason"}),

		peerConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtcsession_peer_connections",
			Help: "Open peer connections by role",
		}, []string{"role"}),

		peersOpenedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_peer_connections_opened_total",
			Help: "Peer connections opened by role",
		}, []string{"role"}),

		negotiationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_negotiation_failures_total",
			Help: "Failed offer/answer or ICE negotiations by role",
		}, []string{"role"}),

		bitrate: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtcsession_media_bitrate_bps",
			Help:    "Observed media bitrate in bits per second",
			Buckets: prometheus.ExponentialBuckets(16000, 2, 10),
		}, []string{"role", "kind"}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_signals_sent_total",
			Help: "Application signals sent by type",
		}, []string{"type"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_rumor_frames_sent_total",
			Help: "Rumor frames written by type",
		}, []string{"type"}),

		framesRecvd: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_rumor_frames_received_total",
			Help: "Rumor frames read by type",
		}, []string{"type"}),
	}
}

func (c *ClientCollector) SessionConnected() {
	c.sessionsConnected.Inc()
}

func (c *ClientCollector) SessionDisconnected(reason string) {
	c.sessionsConnected.Dec()
	c.disconnects.WithLabelValues(reason).Inc()
}

func (c *ClientCollector) PeerConnectionOpened(role string) {
	c.peerConnections.WithLabelValues(role).Inc()
	c.peersOpenedTotal.WithLabelValues(role).Inc()
}

func (c *ClientCollector) PeerConnectionClosed(role string) {
	c.peerConnections.WithLabelValues(role).Dec()
}

func (c *ClientCollector) NegotiationFailed(role string) {
	c.negotiationErrors.WithLabelValues(role).Inc()
}

func (c *ClientCollector) ObserveBitrate(role, kind string, bitsPerSecond float64) {
	c.bitrate.WithLabelValues(role, kind).Observe(bitsPerSecond)
}

// SignalSent counts signals. Application signal types are free-form, so
// only the standard prefix is kept as a label.
func (c *ClientCollector) SignalSent(signalType string) {
	c.signalsSent.WithLabelValues(signalLabel(signalType)).Inc()
}

func (c *ClientCollector) FrameSent(frameType string) {
	c.framesSent.WithLabelValues(frameType).Inc()
}

func (c *ClientCollector) FrameReceived(frameType string) {
	c.framesRecvd.WithLabelValues(frameType).Inc()
}

func signalLabel(signalType string) string {
	if signalType == "" {
		return "default"
	}
	return "custom"
}
