package services

import (
	"context"
	"sync"
	"sync/atomic"

	pionwebrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/ports"
	"rtcsession/internal/core/state"
	"rtcsession/internal/infrastructure/raptor"
	"rtcsession/internal/infrastructure/webrtc"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/utils"
)

const rolePublisher = "publisher"

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Name   string
	Source ports.MediaSource
	// MinBitrate and MaxBitrate are sent with the stream only when set.
	MinBitrate *int
	MaxBitrate *int
}

// Publisher publishes local media into a session. Each remote party that
// asks for the stream gets its own negotiator from the session registry.
type Publisher struct {
	client   *Client
	opts     PublisherOptions
	streamID string
	logger   *zap.SugaredLogger
	fsm      *state.PublishingMachine
	alive    atomic.Bool

	mu      sync.Mutex
	session *Session
	stream  *domain.Stream
	tracks  []pionwebrtc.TrackLocal
	peers   map[webrtc.PeerKey]*webrtc.Negotiator
}

// NewPublisher creates an idle publisher.
func NewPublisher(client *Client, opts PublisherOptions) *Publisher {
	streamID := utils.NewStreamID()
	p := &Publisher{
		client:   client,
		opts:     opts,
		streamID: streamID,
		logger:   client.logger.With("stream_id", streamID, "role", rolePublisher),
		fsm:      state.NewPublishingMachine(),
		peers:    make(map[webrtc.PeerKey]*webrtc.Negotiator),
	}
	p.fsm.OnError(func(err error) {
		p.logger.Debugw("Ignored publisher state change", "error", err)
	})
	p.fsm.OnChange(func(t state.Transition[state.PublishingState]) {
		p.logger.Debugw("Publisher state changed", "from", t.From, "to", t.To)
	})
	return p
}

// StreamID returns the id the stream is created with.
func (p *Publisher) StreamID() string { return p.streamID }

// State returns the current publishing state.
func (p *Publisher) State() state.PublishingState { return p.fsm.Current() }

// IsPublishing reports whether the stream is live.
func (p *Publisher) IsPublishing() bool { return p.fsm.IsPublishing() }

// Stream returns the published stream once publishing.
func (p *Publisher) Stream() *domain.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

// PeerCount returns the number of remote parties receiving the stream.
func (p *Publisher) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

func (p *Publisher) publish(ctx context.Context, s *Session) error {
	if !p.fsm.Set(state.GetUserMedia) {
		return apperrors.Newf(apperrors.ErrCodePublish, "publisher is %s", p.fsm.Current())
	}
	p.alive.Store(true)
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
	s.logEvent("Publish", domain.VariationAttempt, p.streamID, nil)

	if p.opts.Source == nil {
		return p.failed(apperrors.NewInvalidParameterError("publisher has no media source"))
	}
	tracks, err := p.opts.Source.Capture(ctx)
	if err != nil {
		return p.failed(apperrors.Wrap(err, apperrors.ErrCodePublish, "media capture failed"))
	}

	p.fsm.Set(state.BindingMedia)
	p.mu.Lock()
	p.tracks = tracks
	p.mu.Unlock()
	if !p.fsm.Set(state.MediaBound) {
		return p.failed(apperrors.New(apperrors.ErrCodePublish, "publisher destroyed while binding media"))
	}

	p.fsm.Set(state.PublishingToSession)
	s.addPublisher(p)
	sock := s.currentSocket()
	if sock == nil {
		return p.failed(apperrors.NewNotConnectedError("publish"))
	}
	payload, err := s.await(ctx, func(done raptor.Completion) error {
		return sock.StreamCreate(raptor.StreamCreateOptions{
			StreamID:   p.streamID,
			Name:       p.opts.Name,
			Channels:   channelsFor(tracks),
			MinBitrate: p.opts.MinBitrate,
			MaxBitrate: p.opts.MaxBitrate,
		}, done)
	})
	if err != nil {
		return p.failed(statusError(err, apperrors.ErrCodePublish, "stream create rejected"))
	}

	stream, ok := payload.(*domain.Stream)
	if !ok {
		stream, ok = s.Streams.Get(p.streamID)
	}
	if !ok || !p.alive.Load() {
		return p.failed(apperrors.NewUnexpectedResponseError("stream create did not return the stream"))
	}
	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()

	if !p.fsm.Set(state.Publishing) {
		return p.failed(apperrors.New(apperrors.ErrCodePublish, "publisher destroyed while publishing"))
	}
	p.logger.Infow("Publishing", "name", p.opts.Name, "tracks", len(tracks))
	s.logEvent("Publish", domain.VariationSuccess, p.streamID, nil)
	return nil
}

func (p *Publisher) failed(err error) error {
	if s := p.currentSession(); s != nil {
		s.logEvent("Publish", domain.VariationFailure, p.streamID, err)
	}
	p.fsm.Set(state.PublishingFailed)
	p.destroy(domain.ReasonMediaStopped, false)
	return err
}

func (p *Publisher) currentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// channelsFor describes one active channel per local track.
func channelsFor(tracks []pionwebrtc.TrackLocal) []raptor.ChannelInfo {
	channels := make([]raptor.ChannelInfo, 0, len(tracks))
	for _, t := range tracks {
		kind := t.Kind().String()
		channels = append(channels, raptor.ChannelInfo{
			ID:     kind + "1",
			Type:   kind,
			Active: true,
			Source: "camera",
		})
	}
	return channels
}

// PublishAudio enables or disables the audio channel of the stream.
func (p *Publisher) PublishAudio(ctx context.Context, enabled bool) error {
	return p.updateChannel(ctx, domain.ChannelAudio, enabled)
}

// PublishVideo enables or disables the video channel of the stream.
func (p *Publisher) PublishVideo(ctx context.Context, enabled bool) error {
	return p.updateChannel(ctx, domain.ChannelVideo, enabled)
}

func (p *Publisher) updateChannel(ctx context.Context, kind domain.ChannelType, active bool) error {
	s := p.currentSession()
	stream := p.Stream()
	if s == nil || stream == nil || !p.fsm.IsPublishing() {
		return apperrors.NewNotConnectedError("update " + string(kind) + " channel")
	}
	ch, ok := stream.ChannelOfType(kind)
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeInvalidParam, "stream has no %s channel", kind)
	}
	sock := s.currentSocket()
	if sock == nil {
		return apperrors.NewNotConnectedError("update " + string(kind) + " channel")
	}
	if err := sock.StreamChannelUpdate(stream.ID, ch.ID, map[string]interface{}{"active": active}, nil); err != nil {
		return err
	}
	if changes, err := stream.ApplyChannelUpdate(ch.ID, map[string]interface{}{"active": active}); err == nil && len(changes) > 0 {
		s.Streams.NotifyUpdated(stream.ID, changes)
	}
	return nil
}

// processMessage handles a negotiation message for this stream from origin.
func (p *Publisher) processMessage(origin domain.ConnectionOrigin, subscriberID string, name raptor.EventName, msg webrtc.Message) {
	if !p.alive.Load() {
		return
	}
	s := p.currentSession()
	if s == nil {
		return
	}
	key := webrtc.PeerKey{RemoteConnectionID: origin.ConnectionID(), StreamID: p.streamID}

	switch name {
	case raptor.EventJSEPUnsubscribe:
		p.releasePeer(s, key)
		return
	case raptor.EventJSEPGenerateOffer:
		if _, err := p.acquirePeer(s, key, origin, subscriberID); err != nil {
			p.logger.Warnw("Failed to create peer connection", "remote", key.RemoteConnectionID, "error", err)
			s.client.metrics.NegotiationFailed(rolePublisher)
			return
		}
	}

	p.mu.Lock()
	neg, ok := p.peers[key]
	p.mu.Unlock()
	if !ok {
		p.logger.Debugw("Negotiation message for unknown peer", "remote", key.RemoteConnectionID, "type", msg.Type)
		return
	}
	if err := neg.ProcessMessage(msg); err != nil {
		p.logger.Warnw("Negotiation failed", "remote", key.RemoteConnectionID, "type", msg.Type, "error", err)
		s.client.metrics.NegotiationFailed(rolePublisher)
	}
}

func (p *Publisher) acquirePeer(s *Session, key webrtc.PeerKey, origin domain.ConnectionOrigin, subscriberID string) (*webrtc.Negotiator, error) {
	p.mu.Lock()
	if neg, ok := p.peers[key]; ok {
		p.mu.Unlock()
		return neg, nil
	}
	tracks := append([]pionwebrtc.TrackLocal(nil), p.tracks...)
	p.mu.Unlock()

	neg, err := s.registry.Acquire(key, func() (*webrtc.Negotiator, error) {
		cfg := s.client.negotiatorConfig(p.logger.With("remote", key.RemoteConnectionID), key)
		cfg.Configure = func(pc *pionwebrtc.PeerConnection) error {
			for _, t := range tracks {
				if _, err := pc.AddTransceiverFromTrack(t, pionwebrtc.RTPTransceiverInit{
					Direction: pionwebrtc.RTPTransceiverDirectionSendonly,
				}); err != nil {
					return err
				}
			}
			return nil
		}
		neg := webrtc.NewNegotiator(cfg, &publisherSignaler{
			publisher:    p,
			session:      s,
			origin:       origin,
			subscriberID: subscriberID,
		})
		s.client.metrics.PeerConnectionOpened(rolePublisher)
		return neg, nil
	})
	if err != nil {
		return nil, err
	}
	neg.OnError(func(err error) {
		p.logger.Warnw("Peer connectivity lost", "remote", key.RemoteConnectionID, "error", err)
		s.client.metrics.NegotiationFailed(rolePublisher)
		p.releasePeer(s, key)
	})
	neg.OnStateChange(func(ice pionwebrtc.ICEConnectionState) {
		p.logger.Infow("Peer connection state changed", "remote", key.RemoteConnectionID, "ice_state", ice.String())
	})

	p.mu.Lock()
	p.peers[key] = neg
	p.mu.Unlock()
	return neg, nil
}

func (p *Publisher) releasePeer(s *Session, key webrtc.PeerKey) {
	p.mu.Lock()
	_, ok := p.peers[key]
	delete(p.peers, key)
	p.mu.Unlock()
	if ok && s.registry.Release(key) {
		s.client.metrics.PeerConnectionClosed(rolePublisher)
	}
}

// GetStats samples every peer connection of the publisher, keyed by remote
// connection id.
func (p *Publisher) GetStats() map[string]domain.StreamStats {
	p.mu.Lock()
	peers := make(map[webrtc.PeerKey]*webrtc.Negotiator, len(p.peers))
	for k, v := range p.peers {
		peers[k] = v
	}
	p.mu.Unlock()

	out := make(map[string]domain.StreamStats, len(peers))
	for key, neg := range peers {
		stats, err := neg.GetStats()
		if err != nil {
			continue
		}
		out[key.RemoteConnectionID] = stats
		p.client.metrics.ObserveBitrate(rolePublisher, "audio", stats.Audio.Bitrate)
		p.client.metrics.ObserveBitrate(rolePublisher, "video", stats.Video.Bitrate)
	}
	return out
}

// Destroy stops publishing and deletes the stream.
func (p *Publisher) Destroy() {
	p.destroy(domain.ReasonClientDisconnected, true)
}

func (p *Publisher) destroy(reason domain.DestroyReason, notifyServer bool) {
	if !p.alive.Swap(false) {
		p.markStopped()
		return
	}
	s := p.currentSession()

	p.mu.Lock()
	keys := make([]webrtc.PeerKey, 0, len(p.peers))
	for k := range p.peers {
		keys = append(keys, k)
	}
	published := p.stream != nil
	p.mu.Unlock()

	if s != nil {
		for _, k := range keys {
			p.releasePeer(s, k)
		}
		if notifyServer && published {
			if sock := s.currentSocket(); sock != nil {
				if err := sock.StreamDestroy(p.streamID); err != nil {
					p.logger.Debugw("Stream destroy not sent", "error", err)
				}
			}
		}
		s.removePublisher(p)
	}
	if p.opts.Source != nil {
		p.opts.Source.Stop()
	}
	p.markStopped()
	p.logger.Infow("Publisher destroyed", "reason", reason)
}

// markStopped moves the machine to NotPublishing unless it is already idle.
func (p *Publisher) markStopped() {
	if p.fsm.IsNot(state.NotPublishing) {
		p.fsm.Set(state.NotPublishing)
	}
}

// publisherSignaler sends the negotiation messages of one publisher peer
// connection, to the server or directly to the subscribing peer.
type publisherSignaler struct {
	publisher    *Publisher
	session      *Session
	origin       domain.ConnectionOrigin
	subscriberID string
}

func (ps *publisherSignaler) socket() (*raptor.Socket, error) {
	sock := ps.session.currentSocket()
	if sock == nil {
		return nil, apperrors.NewNotConnectedError("negotiate")
	}
	return sock, nil
}

func (ps *publisherSignaler) SendOffer(sdp string) error {
	sock, err := ps.socket()
	if err != nil {
		return err
	}
	if peer, ok := ps.origin.(domain.PeerOrigin); ok {
		return sock.JSEPOfferP2P(peer.ConnectionID(), ps.publisher.streamID, ps.subscriberID, sdp)
	}
	return sock.JSEPOffer(ps.publisher.streamID, ps.subscriberID, sdp)
}

func (ps *publisherSignaler) SendAnswer(sdp string) error {
	sock, err := ps.socket()
	if err != nil {
		return err
	}
	if peer, ok := ps.origin.(domain.PeerOrigin); ok {
		return sock.JSEPAnswerP2P(peer.ConnectionID(), ps.publisher.streamID, ps.subscriberID, sdp)
	}
	return sock.JSEPAnswer(ps.publisher.streamID, ps.subscriberID, sdp)
}

func (ps *publisherSignaler) SendCandidate(c pionwebrtc.ICECandidateInit) error {
	sock, err := ps.socket()
	if err != nil {
		return err
	}
	content := candidateContent(c)
	if peer, ok := ps.origin.(domain.PeerOrigin); ok {
		return sock.JSEPCandidateP2P(peer.ConnectionID(), ps.publisher.streamID, ps.subscriberID, content)
	}
	return sock.JSEPCandidate(ps.publisher.streamID, ps.subscriberID, content)
}

func candidateContent(c pionwebrtc.ICECandidateInit) raptor.CandidateContent {
	return raptor.CandidateContent{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
