package domain

import "time"

// TrackStats are cumulative counters for one media kind on a peer connection.
type TrackStats struct {
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     int64
	BytesSent       uint64
	PacketsSent     uint64
	FramesDecoded   uint64
	// FrameRate is derived from the difference between two samples.
	FrameRate float64
	// Bitrate is derived, in bits per second.
	Bitrate float64
}

// StreamStats is one stats sample for a subscriber or publisher.
type StreamStats struct {
	Timestamp time.Time
	Audio     TrackStats
	Video     TrackStats
}
