package ports

import (
	"context"

	"github.com/pion/webrtc/v3"

	"rtcsession/internal/core/domain"
)

// MediaSource captures local media for a publisher.
type MediaSource interface {
	// Capture starts capture and returns the tracks to publish.
	Capture(ctx context.Context) ([]webrtc.TrackLocal, error)
	Stop()
}

// AnalyticsLogger records client events for the analytics collector.
type AnalyticsLogger interface {
	LogEvent(ev domain.AnalyticsEvent)
}

// AnalyticsSink delivers one encoded analytics entry.
type AnalyticsSink interface {
	Send(ctx context.Context, payload []byte) error
}

// ClientMetrics observes client activity.
type ClientMetrics interface {
	SessionConnected()
	SessionDisconnected(reason string)
	PeerConnectionOpened(role string)
	PeerConnectionClosed(role string)
	NegotiationFailed(role string)
	ObserveBitrate(role, kind string, bitsPerSecond float64)
	SignalSent(signalType string)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) SessionConnected()                      {}
func (NopMetrics) SessionDisconnected(string)             {}
func (NopMetrics) PeerConnectionOpened(string)            {}
func (NopMetrics) PeerConnectionClosed(string)            {}
func (NopMetrics) NegotiationFailed(string)               {}
func (NopMetrics) ObserveBitrate(string, string, float64) {}
func (NopMetrics) SignalSent(string)                      {}

// NopAnalytics discards every event.
type NopAnalytics struct{}

func (NopAnalytics) LogEvent(domain.AnalyticsEvent) {}
