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

const roleSubscriber = "subscriber"

// SubscriberOptions configures a Subscriber. A nil View gets a counting view
// that reads and discards the media.
type SubscriberOptions struct {
	View           ports.View
	SubscribeAudio *bool
	SubscribeVideo *bool
}

// frameCounter is implemented by views that count decoded frames.
type frameCounter interface {
	Counts() map[string]uint64
}

// Subscriber receives one remote stream. Subscribers of the same stream
// from the same remote party share a negotiator.
type Subscriber struct {
	id      string
	session *Session
	stream  *domain.Stream
	view    ports.View
	logger  *zap.SugaredLogger
	fsm     *state.SubscribingMachine
	alive   atomic.Bool
	key     webrtc.PeerKey

	mu          sync.Mutex
	neg         *webrtc.Negotiator
	removeTrack func()
	subscribed  chan struct{}
	failed      chan error
	once        sync.Once
	audio       bool
	video       bool
}

func newSubscriber(s *Session, stream *domain.Stream, opts SubscriberOptions) *Subscriber {
	id := utils.NewSubscriberID()
	view := opts.View
	log := s.logger.With("stream_id", stream.ID, "subscriber_id", id, "role", roleSubscriber)
	if view == nil {
		view = webrtc.NewCountingView(log)
	}
	sub := &Subscriber{
		id:         id,
		session:    s,
		stream:     stream,
		view:       view,
		logger:     log,
		fsm:        state.NewSubscribingMachine(),
		subscribed: make(chan struct{}),
		failed:     make(chan error, 1),
		audio:      opts.SubscribeAudio == nil || *opts.SubscribeAudio,
		video:      opts.SubscribeVideo == nil || *opts.SubscribeVideo,
	}
	sub.fsm.OnError(func(err error) {
		log.Debugw("Ignored subscriber state change", "error", err)
	})
	sub.fsm.OnChange(func(t state.Transition[state.SubscribingState]) {
		log.Debugw("Subscriber state changed", "from", t.From, "to", t.To)
	})

	remote := stream.ConnectionID()
	if info := s.Info(); info != nil && !info.P2PEnabled {
		remote = info.SymphonyAddress
		if remote == "" {
			remote = domain.ServerAddressPrefix + s.id
		}
	}
	sub.key = webrtc.PeerKey{RemoteConnectionID: remote, StreamID: stream.ID}
	return sub
}

// ID returns the subscriber id.
func (sub *Subscriber) ID() string { return sub.id }

// Stream returns the subscribed stream.
func (sub *Subscriber) Stream() *domain.Stream { return sub.stream }

// State returns the current subscribing state.
func (sub *Subscriber) State() state.SubscribingState { return sub.fsm.Current() }

// IsSubscribing reports whether remote media is bound to the view.
func (sub *Subscriber) IsSubscribing() bool { return sub.fsm.IsSubscribing() }

// PeerKey returns the registry key of the negotiator this subscriber uses.
func (sub *Subscriber) PeerKey() webrtc.PeerKey { return sub.key }

func (sub *Subscriber) subscribe(ctx context.Context) error {
	s := sub.session
	sub.fsm.Set(state.Init)
	sub.alive.Store(true)
	s.addSubscriber(sub)
	s.logEvent("Subscribe", domain.VariationAttempt, sub.stream.ID, nil)

	neg, err := s.registry.Acquire(sub.key, func() (*webrtc.Negotiator, error) {
		cfg := s.client.negotiatorConfig(sub.logger, sub.key)
		cfg.Configure = receiveTransceivers(sub.stream)
		s.client.metrics.PeerConnectionOpened(roleSubscriber)
		return webrtc.NewNegotiator(cfg, &subscriberSignaler{subscriber: sub}), nil
	})
	if err != nil {
		return sub.fail(apperrors.Wrap(err, apperrors.ErrCodeSubscribe, "cannot create peer connection"))
	}
	remove := neg.AddTrackHandler(sub.handleTrack)
	neg.OnError(sub.handleConnectivityError)
	neg.OnStateChange(sub.handleICEState)
	if counter, ok := sub.view.(frameCounter); ok {
		neg.SetFrameCounter(counter.Counts)
	}
	sub.mu.Lock()
	sub.neg = neg
	sub.removeTrack = remove
	sub.mu.Unlock()

	sock := s.currentSocket()
	if sock == nil {
		return sub.fail(apperrors.NewNotConnectedError("subscribe"))
	}
	_, err = s.await(ctx, func(done raptor.Completion) error {
		return sock.SubscriberCreate(sub.stream.ID, sub.id, sub.channels(), func(err error, payload interface{}) {
			// Runs on the reader goroutine, ahead of the offer that follows.
			if err == nil && sub.alive.Load() && sub.fsm.Is(state.Init) {
				sub.fsm.Set(state.ConnectingToPeer)
			}
			done(err, payload)
		})
	})
	if err != nil {
		return sub.fail(statusError(err, apperrors.ErrCodeSubscribe, "subscriber create rejected"))
	}
	return nil
}

func (sub *Subscriber) channels() []raptor.ChannelInfo {
	sub.mu.Lock()
	audio, video := sub.audio, sub.video
	sub.mu.Unlock()

	var out []raptor.ChannelInfo
	for _, ch := range sub.stream.Channels() {
		info := raptor.FromChannel(ch)
		switch ch.Type {
		case domain.ChannelAudio:
			info.Active = info.Active && audio
		case domain.ChannelVideo:
			info.Active = info.Active && video
		}
		out = append(out, info)
	}
	return out
}

// receiveTransceivers adds one receive-only transceiver per channel kind.
func receiveTransceivers(stream *domain.Stream) func(*pionwebrtc.PeerConnection) error {
	return func(pc *pionwebrtc.PeerConnection) error {
		seen := map[domain.ChannelType]bool{}
		for _, ch := range stream.Channels() {
			if seen[ch.Type] {
				continue
			}
			seen[ch.Type] = true
			kind := pionwebrtc.RTPCodecTypeAudio
			if ch.Type == domain.ChannelVideo {
				kind = pionwebrtc.RTPCodecTypeVideo
			}
			if _, err := pc.AddTransceiverFromKind(kind, pionwebrtc.RTPTransceiverInit{
				Direction: pionwebrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func (sub *Subscriber) fail(err error) error {
	sub.session.logEvent("Subscribe", domain.VariationFailure, sub.stream.ID, err)
	sub.fsm.Set(state.SubscribingFailed)
	sub.signalDone(err)
	sub.destroy(domain.ReasonMediaStopped, false)
	return err
}

func (sub *Subscriber) signalDone(err error) {
	sub.once.Do(func() {
		if err != nil {
			sub.failed <- err
			return
		}
		close(sub.subscribed)
	})
}

// WaitSubscribed blocks until remote media is bound, negotiation fails or
// ctx ends.
func (sub *Subscriber) WaitSubscribed(ctx context.Context) error {
	select {
	case <-sub.subscribed:
		return nil
	case err := <-sub.failed:
		sub.failed <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sub *Subscriber) processMessage(origin domain.ConnectionOrigin, msg webrtc.Message) {
	if !sub.alive.Load() {
		return
	}
	sub.mu.Lock()
	neg := sub.neg
	sub.mu.Unlock()
	if neg == nil {
		return
	}
	if msg.Type == webrtc.MessageOffer {
		if signaler, ok := sub.signaler(); ok {
			signaler.setOrigin(origin)
		}
	}
	if err := neg.ProcessMessage(msg); err != nil {
		sub.logger.Warnw("Negotiation failed", "type", msg.Type, "error", err)
		sub.session.client.metrics.NegotiationFailed(roleSubscriber)
		if msg.Type == webrtc.MessageOffer {
			sub.fail(apperrors.Wrap(err, apperrors.ErrCodeSubscribe, "negotiation failed"))
		}
	}
}

// signaler returns the signaler of the negotiator when this subscriber
// created it.
func (sub *Subscriber) signaler() (*subscriberSignaler, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.neg == nil {
		return nil, false
	}
	sig, ok := sub.neg.Signaler().(*subscriberSignaler)
	return sig, ok
}

func (sub *Subscriber) handleTrack(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
	if !sub.alive.Load() {
		return
	}
	sub.mu.Lock()
	neg := sub.neg
	sub.mu.Unlock()
	pc, err := neg.PeerConnection()
	if err != nil {
		sub.logger.Debugw("Track arrived after close", "error", err)
		return
	}

	if sub.fsm.Is(state.Init, state.ConnectingToPeer) {
		sub.fsm.Set(state.BindingRemoteStream)
	}
	sub.view.BindTrack(track, pc)
	if sub.fsm.Is(state.BindingRemoteStream) && sub.fsm.Set(state.Subscribing) {
		sub.logger.Infow("Subscribing", "kind", track.Kind().String())
		sub.session.logEvent("Subscribe", domain.VariationSuccess, sub.stream.ID, nil)
		sub.signalDone(nil)
	}
}

func (sub *Subscriber) handleICEState(ice pionwebrtc.ICEConnectionState) {
	if !sub.alive.Load() {
		return
	}
	sub.logger.Infow("Peer connection state changed", "ice_state", ice.String())
}

func (sub *Subscriber) handleConnectivityError(err error) {
	if !sub.alive.Load() {
		return
	}
	sub.session.client.metrics.NegotiationFailed(roleSubscriber)
	sub.session.client.ReportError(sub.session.ctx(context.Background()), sub.session.id, "Subscriber",
		apperrors.Wrap(err, apperrors.ErrCodeP2PFailed, "peer connectivity lost"))
	sub.fail(apperrors.Wrap(err, apperrors.ErrCodeSubscribe, "peer connectivity lost"))
}

// SubscribeToAudio turns receiving the audio channel on or off.
func (sub *Subscriber) SubscribeToAudio(ctx context.Context, enabled bool) error {
	sub.mu.Lock()
	sub.audio = enabled
	sub.mu.Unlock()
	return sub.updateChannel(domain.ChannelAudio, map[string]interface{}{"active": enabled})
}

// SubscribeToVideo turns receiving the video channel on or off.
func (sub *Subscriber) SubscribeToVideo(ctx context.Context, enabled bool) error {
	sub.mu.Lock()
	sub.video = enabled
	sub.mu.Unlock()
	return sub.updateChannel(domain.ChannelVideo, map[string]interface{}{"active": enabled})
}

// RestrictFrameRate asks the server to lower the video frame rate sent to
// this subscriber.
func (sub *Subscriber) RestrictFrameRate(ctx context.Context, restrict bool) error {
	return sub.updateChannel(domain.ChannelVideo, map[string]interface{}{"restrictFrameRate": restrict})
}

func (sub *Subscriber) updateChannel(kind domain.ChannelType, attributes map[string]interface{}) error {
	if !sub.alive.Load() {
		return apperrors.NewNotConnectedError("update subscriber channel")
	}
	ch, ok := sub.stream.ChannelOfType(kind)
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeInvalidParam, "stream has no %s channel", kind)
	}
	sock := sub.session.currentSocket()
	if sock == nil {
		return apperrors.NewNotConnectedError("update subscriber channel")
	}
	return sock.SubscriberChannelUpdate(sub.stream.ID, sub.id, ch.ID, attributes, nil)
}

// GetStats samples the negotiator shared by this subscriber.
func (sub *Subscriber) GetStats() (domain.StreamStats, error) {
	sub.mu.Lock()
	neg := sub.neg
	sub.mu.Unlock()
	if neg == nil || !sub.alive.Load() {
		return domain.StreamStats{}, apperrors.NewNotConnectedError("getStats")
	}
	stats, err := neg.GetStats()
	if err != nil {
		return stats, err
	}
	sub.session.client.metrics.ObserveBitrate(roleSubscriber, "audio", stats.Audio.Bitrate)
	sub.session.client.metrics.ObserveBitrate(roleSubscriber, "video", stats.Video.Bitrate)
	return stats, nil
}

// Destroy stops the subscriber and tells the server.
func (sub *Subscriber) Destroy() {
	sub.destroy(domain.ReasonClientDisconnected, true)
}

func (sub *Subscriber) destroy(reason domain.DestroyReason, notifyServer bool) {
	if !sub.alive.Swap(false) {
		sub.markStopped()
		return
	}
	s := sub.session

	sub.mu.Lock()
	remove := sub.removeTrack
	acquired := sub.neg != nil
	sub.removeTrack = nil
	sub.neg = nil
	sub.mu.Unlock()

	if remove != nil {
		remove()
	}
	sub.view.Unbind()
	if acquired && s.registry.Release(sub.key) {
		s.client.metrics.PeerConnectionClosed(roleSubscriber)
	}
	if notifyServer {
		if sock := s.currentSocket(); sock != nil {
			if err := sock.SubscriberDestroy(sub.stream.ID, sub.id); err != nil {
				sub.logger.Debugw("Subscriber destroy not sent", "error", err)
			}
		}
	}
	s.removeSubscriber(sub)
	sub.signalDone(apperrors.Newf(apperrors.ErrCodeSubscribe, "subscriber destroyed: %s", reason))
	sub.markStopped()
	sub.logger.Infow("Subscriber destroyed", "reason", reason)
}

func (sub *Subscriber) markStopped() {
	if sub.fsm.IsNot(state.NotSubscribing) {
		sub.fsm.Set(state.NotSubscribing)
	}
}

// subscriberSignaler answers the publisher of the stream, through the
// server or directly in peer to peer sessions.
type subscriberSignaler struct {
	subscriber *Subscriber

	mu     sync.Mutex
	origin domain.ConnectionOrigin
}

func (ss *subscriberSignaler) setOrigin(o domain.ConnectionOrigin) {
	ss.mu.Lock()
	ss.origin = o
	ss.mu.Unlock()
}

func (ss *subscriberSignaler) peer() (string, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if p, ok := ss.origin.(domain.PeerOrigin); ok {
		return p.ConnectionID(), true
	}
	return "", false
}

func (ss *subscriberSignaler) socket() (*raptor.Socket, error) {
	sock := ss.subscriber.session.currentSocket()
	if sock == nil {
		return nil, apperrors.NewNotConnectedError("negotiate")
	}
	return sock, nil
}

func (ss *subscriberSignaler) SendOffer(sdp string) error {
	sock, err := ss.socket()
	if err != nil {
		return err
	}
	sub := ss.subscriber
	if peer, ok := ss.peer(); ok {
		return sock.JSEPOfferP2P(peer, sub.stream.ID, sub.id, sdp)
	}
	return sock.JSEPOffer(sub.stream.ID, sub.id, sdp)
}

func (ss *subscriberSignaler) SendAnswer(sdp string) error {
	sock, err := ss.socket()
	if err != nil {
		return err
	}
	sub := ss.subscriber
	if peer, ok := ss.peer(); ok {
		return sock.JSEPAnswerP2P(peer, sub.stream.ID, sub.id, sdp)
	}
	return sock.JSEPAnswer(sub.stream.ID, sub.id, sdp)
}

func (ss *subscriberSignaler) SendCandidate(c pionwebrtc.ICECandidateInit) error {
	sock, err := ss.socket()
	if err != nil {
		return err
	}
	sub := ss.subscriber
	if peer, ok := ss.peer(); ok {
		return sock.JSEPCandidateP2P(peer, sub.stream.ID, sub.id, candidateContent(c))
	}
	return sock.JSEPCandidate(sub.stream.ID, sub.id, candidateContent(c))
}
