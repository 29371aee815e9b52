package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics counts dev server traffic.
type ServerMetrics struct {
	sockets     prometheus.Gauge
	framesIn    *prometheus.CounterVec
	framesOut   *prometheus.CounterVec
	rateLimited prometheus.Counter
	relayed     prometheus.Counter
}

// NewServerMetrics registers the server metrics with reg. A nil reg keeps
// them unregistered.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	factory := promauto.With(reg)
	return &ServerMetrics{
		sockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtcsession_signal_sockets",
			Help: "Attached rumor sockets",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_signal_frames_received_total",
			Help: "Rumor frames received by type",
		}, []string{"type"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcsession_signal_frames_sent_total",
			Help: "Rumor frames sent by type",
		}, []string{"type"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtcsession_signal_rate_limited_total",
			Help: "Messages rejected by the per-connection rate limit",
		}),
		relayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtcsession_signal_relayed_total",
			Help: "Messages relayed between peers",
		}),
	}
}

func (m *ServerMetrics) PeerAttached()                  { m.sockets.Inc() }
func (m *ServerMetrics) PeerDetached()                  { m.sockets.Dec() }
func (m *ServerMetrics) FrameReceived(frameType string) { m.framesIn.WithLabelValues(frameType).Inc() }
func (m *ServerMetrics) FrameSent(frameType string)     { m.framesOut.WithLabelValues(frameType).Inc() }
func (m *ServerMetrics) RateLimited()                   { m.rateLimited.Inc() }
func (m *ServerMetrics) Relayed()                       { m.relayed.Inc() }
