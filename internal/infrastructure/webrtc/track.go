package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTCPWriter sends RTCP feedback, normally a *webrtc.PeerConnection.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// TrackReader consumes one remote track, counting packets, completed frames
// and keyframes. A frame ends on the packet carrying the RTP marker bit.
type TrackReader struct {
	kind   string
	ssrc   uint32
	source func() (*rtp.Packet, error)
	rtcp   RTCPWriter
	logger *zap.SugaredLogger

	packets   atomic.Uint64
	bytes     atomic.Uint64
	frames    atomic.Uint64
	keyframes atomic.Uint64

	done chan struct{}
	once sync.Once
}

// NewTrackReader reads from a remote track. writer may be nil, in which
// case RequestKeyframe is a no-op.
func NewTrackReader(track *webrtc.TrackRemote, writer RTCPWriter, logger *zap.SugaredLogger) *TrackReader {
	return newTrackReader(track.Kind().String(), uint32(track.SSRC()), func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}, writer, logger)
}

func newTrackReader(kind string, ssrc uint32, source func() (*rtp.Packet, error), writer RTCPWriter, logger *zap.SugaredLogger) *TrackReader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TrackReader{
		kind:   kind,
		ssrc:   ssrc,
		source: source,
		rtcp:   writer,
		logger: logger.With("component", "track_reader", "kind", kind),
		done:   make(chan struct{}),
	}
}

// Kind is "audio" or "video".
func (r *TrackReader) Kind() string { return r.kind }

// Run reads until the track ends. It returns nil on a clean end of stream.
func (r *TrackReader) Run() error {
	defer r.once.Do(func() { close(r.done) })
	for {
		pkt, err := r.source()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			r.logger.Debugw("Track read ended", "error", err)
			return err
		}
		r.observe(pkt)
	}
}

// Done is closed when Run returns.
func (r *TrackReader) Done() <-chan struct{} { return r.done }

func (r *TrackReader) observe(pkt *rtp.Packet) {
	r.packets.Add(1)
	r.bytes.Add(uint64(len(pkt.Payload)))
	if pkt.Marker {
		r.frames.Add(1)
	}
	if r.kind == "video" && isKeyframe(pkt) {
		r.keyframes.Add(1)
	}
}

// Frames returns the number of completed frames.
func (r *TrackReader) Frames() uint64 { return r.frames.Load() }

// Packets returns the number of packets read.
func (r *TrackReader) Packets() uint64 { return r.packets.Load() }

// Keyframes returns the number of keyframe packets seen.
func (r *TrackReader) Keyframes() uint64 { return r.keyframes.Load() }

// RequestKeyframe asks the sender for a new keyframe with a PLI.
func (r *TrackReader) RequestKeyframe() error {
	if r.rtcp == nil || r.kind != "video" {
		return nil
	}
	return r.rtcp.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: r.ssrc}})
}

// isKeyframe recognises the start of a VP8 keyframe or an H.264 IDR slice.
func isKeyframe(pkt *rtp.Packet) bool {
	payload := pkt.Payload
	if len(payload) == 0 {
		return false
	}

	// VP8 payload descriptor with the extension byte carrying the I bit.
	if payload[0]&0x80 != 0 && len(payload) >= 2 && payload[1]&0x10 != 0 {
		return true
	}

	// H.264 NAL unit type 5.
	return payload[0]&0x1F == 5
}

// FrameCounter aggregates readers into the per-kind counters GetStats
// expects.
type FrameCounter struct {
	mu      sync.Mutex
	readers []*TrackReader
}

// Add registers a reader.
func (c *FrameCounter) Add(r *TrackReader) {
	c.mu.Lock()
	c.readers = append(c.readers, r)
	c.mu.Unlock()
}

// Counts returns frames per kind.
func (c *FrameCounter) Counts() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, 2)
	for _, r := range c.readers {
		out[r.kind] += r.Frames()
	}
	return out
}
