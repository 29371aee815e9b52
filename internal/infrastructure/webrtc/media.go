package webrtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"rtcsession/internal/core/ports"
	"rtcsession/pkg/utils"
)

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrameDuration = 20 * time.Millisecond

// SilentAudioSource publishes a single Opus track of silence. It is used to
// check that publishing works without capture hardware.
type SilentAudioSource struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
}

var _ ports.MediaSource = (*SilentAudioSource)(nil)

func NewSilentAudioSource(logger *zap.SugaredLogger) *SilentAudioSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SilentAudioSource{logger: logger.With("component", "silent_audio")}
}

// Capture creates the track and starts writing silence until Stop.
func (s *SilentAudioSource) Capture(ctx context.Context) ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track != nil {
		return []webrtc.TrackLocal{s.track}, nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		utils.GenerateID("silence"),
	)
	if err != nil {
		return nil, err
	}
	s.track = track
	s.stop = make(chan struct{})
	go s.write(ctx, track, s.stop)
	return []webrtc.TrackLocal{track}, nil
}

func (s *SilentAudioSource) write(ctx context.Context, track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrameDuration}); err != nil {
				s.logger.Debugw("Silence write failed", "error", err)
			}
		}
	}
}

// Stop ends capture. Capture may be called again afterwards.
func (s *SilentAudioSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.track = nil
}

// CountingView reads bound tracks and discards the media, keeping frame
// counters for stats.
type CountingView struct {
	logger  *zap.SugaredLogger
	counter FrameCounter

	mu      sync.Mutex
	readers []*TrackReader
}

var _ ports.View = (*CountingView)(nil)

func NewCountingView(logger *zap.SugaredLogger) *CountingView {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CountingView{logger: logger}
}

func (v *CountingView) BindTrack(track *webrtc.TrackRemote, feedback ports.RTCPFeedback) {
	reader := NewTrackReader(track, feedback, v.logger)
	v.mu.Lock()
	v.readers = append(v.readers, reader)
	v.mu.Unlock()
	v.counter.Add(reader)

	go func() {
		if err := reader.Run(); err != nil {
			v.logger.Debugw("Track reader stopped", "kind", reader.Kind(), "error", err)
		}
	}()
	if err := reader.RequestKeyframe(); err != nil {
		v.logger.Debugw("Keyframe request failed", "error", err)
	}
}

// Unbind forgets the readers. They stop when their tracks end.
func (v *CountingView) Unbind() {
	v.mu.Lock()
	v.readers = nil
	v.mu.Unlock()
}

// Counts returns decoded frame counts per kind.
func (v *CountingView) Counts() map[string]uint64 {
	return v.counter.Counts()
}

// RequestKeyframe asks every bound video track for a keyframe.
func (v *CountingView) RequestKeyframe() {
	v.mu.Lock()
	readers := append([]*TrackReader(nil), v.readers...)
	v.mu.Unlock()
	for _, r := range readers {
		if err := r.RequestKeyframe(); err != nil {
			v.logger.Debugw("Keyframe request failed", "error", err)
		}
	}
}
