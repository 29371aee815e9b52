package ports

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// RTCPFeedback sends RTCP back to the sender of a remote track.
type RTCPFeedback interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// View presents the media of a subscriber.
type View interface {
	// BindTrack is called once per remote track. The view owns reading it.
	BindTrack(track *webrtc.TrackRemote, feedback RTCPFeedback)
	// Unbind releases everything bound so far.
	Unbind()
}
