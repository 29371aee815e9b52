package webrtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"rtcsession/internal/core/domain"
)

type kindSample struct {
	bytes  uint64
	frames uint64
}

// StatsTracker turns cumulative counters into rates by diffing successive
// samples.
type StatsTracker struct {
	mu     sync.Mutex
	last   map[string]kindSample
	lastAt time.Time
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{last: make(map[string]kindSample)}
}

// Sample folds report into per-kind totals. frames carries decoded frame
// counters gathered outside the report, keyed by kind ("audio", "video").
func (t *StatsTracker) Sample(report webrtc.StatsReport, frames map[string]uint64, at time.Time) domain.StreamStats {
	stats := domain.StreamStats{Timestamp: at}

	for _, s := range report {
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			addInbound(&stats, v)
		case *webrtc.InboundRTPStreamStats:
			addInbound(&stats, *v)
		case webrtc.OutboundRTPStreamStats:
			addOutbound(&stats, v)
		case *webrtc.OutboundRTPStreamStats:
			addOutbound(&stats, *v)
		}
	}
	stats.Audio.FramesDecoded = frames["audio"]
	stats.Video.FramesDecoded = frames["video"]

	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := at.Sub(t.lastAt).Seconds()
	t.derive("audio", &stats.Audio, elapsed)
	t.derive("video", &stats.Video, elapsed)
	t.lastAt = at
	return stats
}

func (t *StatsTracker) derive(kind string, track *domain.TrackStats, elapsed float64) {
	cur := kindSample{bytes: track.BytesReceived + track.BytesSent, frames: track.FramesDecoded}
	prev, seen := t.last[kind]
	t.last[kind] = cur

	// Counters reset when the peer connection is replaced.
	if !seen || elapsed <= 0 || cur.bytes < prev.bytes {
		return
	}
	track.Bitrate = float64(cur.bytes-prev.bytes) * 8 / elapsed
	if cur.frames >= prev.frames {
		track.FrameRate = float64(cur.frames-prev.frames) / elapsed
	}
}

// Reset forgets previous samples.
func (t *StatsTracker) Reset() {
	t.mu.Lock()
	t.last = make(map[string]kindSample)
	t.lastAt = time.Time{}
	t.mu.Unlock()
}

func trackFor(stats *domain.StreamStats, kind string) *domain.TrackStats {
	if kind == "video" {
		return &stats.Video
	}
	return &stats.Audio
}

func addInbound(stats *domain.StreamStats, v webrtc.InboundRTPStreamStats) {
	track := trackFor(stats, v.Kind)
	track.BytesReceived += v.BytesReceived
	track.PacketsReceived += uint64(v.PacketsReceived)
	track.PacketsLost += int64(v.PacketsLost)
}

func addOutbound(stats *domain.StreamStats, v webrtc.OutboundRTPStreamStats) {
	track := trackFor(stats, v.Kind)
	track.BytesSent += v.BytesSent
	track.PacketsSent += uint64(v.PacketsSent)
}
