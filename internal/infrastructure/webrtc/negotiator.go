package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/pkg/tracing"
)

// JSEP message types a negotiator understands.
const (
	MessageOffer         = "offer"
	MessageAnswer        = "answer"
	MessagePranswer      = "pranswer"
	MessageCandidate     = "candidate"
	MessageGenerateOffer = "generateoffer"
)

// DefaultICEFailureGrace is how long ICE must stay failed before it is
// reported.
const DefaultICEFailureGrace = 5 * time.Second

var (
	ErrClosed             = errors.New("webrtc: negotiator closed")
	ErrNotStarted         = errors.New("webrtc: peer connection not created yet")
	ErrICEFailed          = errors.New("webrtc: ICE connectivity failed")
	ErrUnsupportedMessage = errors.New("webrtc: unsupported negotiation message")
)

// Message is one inbound negotiation message.
type Message struct {
	Type      string
	SDP       string
	Candidate webrtc.ICECandidateInit
}

// Signaler relays locally generated negotiation messages to the remote
// party. Publishers and subscribers both implement it.
type Signaler interface {
	SendOffer(sdp string) error
	SendAnswer(sdp string) error
	SendCandidate(candidate webrtc.ICECandidateInit) error
}

// Config configures the peer connections a negotiator creates.
type Config struct {
	ICEServers      []webrtc.ICEServer
	PortMin         uint16
	PortMax         uint16
	ICEFailureGrace time.Duration
	Logger          *zap.SugaredLogger
	// ConnectionID and StreamID label the spans recorded for offers and
	// answers.
	ConnectionID string
	StreamID     string
	// Configure runs once on a new peer connection before any description
	// is applied, typically to add local tracks or receive transceivers.
	Configure func(pc *webrtc.PeerConnection) error
}

// Negotiator owns exactly one peer connection and runs the offer, answer
// and candidate exchange for it. The peer connection is created on the
// first message that needs it.
type Negotiator struct {
	cfg      Config
	signaler Signaler
	logger   *zap.SugaredLogger
	stats    *StatsTracker

	// op serialises negotiation steps.
	op sync.Mutex

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	pending   []webrtc.ICECandidateInit
	closed    bool
	iceState  webrtc.ICEConnectionState
	failTimer *time.Timer
	frames    func() map[string]uint64

	tracks        []remoteTrack
	trackHandlers map[int]TrackHandler
	nextHandler   int
	onError       []func(error)
	onState       []func(webrtc.ICEConnectionState)
}

// TrackHandler receives remote tracks.
type TrackHandler func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

type remoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// NewNegotiator creates a negotiator that sends through signaler.
func NewNegotiator(cfg Config, signaler Signaler) *Negotiator {
	if cfg.ICEFailureGrace <= 0 {
		cfg.ICEFailureGrace = DefaultICEFailureGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Negotiator{
		cfg:      cfg,
		signaler: signaler,
		logger:   cfg.Logger.With("component", "negotiator"),
		stats:    NewStatsTracker(),
		iceState: webrtc.ICEConnectionStateNew,
	}
}

// Signaler returns the signaler the negotiator sends through.
func (n *Negotiator) Signaler() Signaler { return n.signaler }

// AddTrackHandler registers fn for remote tracks. Tracks that arrived
// earlier are replayed to it, so actors sharing a peer connection all see
// every track. The returned func removes the handler.
func (n *Negotiator) AddTrackHandler(fn TrackHandler) (remove func()) {
	n.mu.Lock()
	if n.trackHandlers == nil {
		n.trackHandlers = make(map[int]TrackHandler)
	}
	n.nextHandler++
	id := n.nextHandler
	n.trackHandlers[id] = fn
	replay := append([]remoteTrack(nil), n.tracks...)
	n.mu.Unlock()

	for _, t := range replay {
		fn(t.track, t.receiver)
	}
	return func() {
		n.mu.Lock()
		delete(n.trackHandlers, id)
		n.mu.Unlock()
	}
}

// OnError adds a handler for connectivity failures.
func (n *Negotiator) OnError(fn func(error)) {
	n.mu.Lock()
	n.onError = append(n.onError, fn)
	n.mu.Unlock()
}

// OnStateChange adds a handler for ICE state changes.
func (n *Negotiator) OnStateChange(fn func(webrtc.ICEConnectionState)) {
	n.mu.Lock()
	n.onState = append(n.onState, fn)
	n.mu.Unlock()
}

// SetFrameCounter supplies decoded frame counters for GetStats.
func (n *Negotiator) SetFrameCounter(fn func() map[string]uint64) {
	n.mu.Lock()
	n.frames = fn
	n.mu.Unlock()
}

// PeerConnection returns the peer connection, creating it if needed.
func (n *Negotiator) PeerConnection() (*webrtc.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if n.pc != nil {
		return n.pc, nil
	}

	pc, err := newPeerConnection(n.cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	pc.OnICECandidate(n.handleLocalCandidate)
	pc.OnICEConnectionStateChange(n.handleICEState)
	pc.OnTrack(n.handleTrack)

	if n.cfg.Configure != nil {
		if err := n.cfg.Configure(pc); err != nil {
			pc.Close()
			return nil, fmt.Errorf("configure peer connection: %w", err)
		}
	}
	n.pc = pc
	n.logger.Debugw("Peer connection created")
	return pc, nil
}

func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
}

// ProcessMessage applies one inbound negotiation message.
func (n *Negotiator) ProcessMessage(msg Message) error {
	n.op.Lock()
	defer n.op.Unlock()

	switch msg.Type {
	case MessageOffer:
		return n.acceptOffer(msg.SDP)
	case MessageAnswer:
		return n.acceptAnswer(webrtc.SDPTypeAnswer, msg.SDP)
	case MessagePranswer:
		return n.acceptAnswer(webrtc.SDPTypePranswer, msg.SDP)
	case MessageCandidate:
		return n.addCandidate(msg.Candidate)
	case MessageGenerateOffer:
		return n.offer()
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
}

// Offer creates a local offer and sends it.
func (n *Negotiator) Offer() error {
	n.op.Lock()
	defer n.op.Unlock()
	return n.offer()
}

func (n *Negotiator) offer() (err error) {
	ctx, span := tracing.TraceWebRTC(context.Background(), "create_offer", n.cfg.ConnectionID, n.cfg.StreamID)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	pc, err := n.PeerConnection()
	if err != nil {
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return n.signaler.SendOffer(offer.SDP)
}

func (n *Negotiator) acceptOffer(sdp string) (err error) {
	ctx, span := tracing.TraceWebRTC(context.Background(), "create_answer", n.cfg.ConnectionID, n.cfg.StreamID)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	pc, err := n.PeerConnection()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if answer.SDP, err = RemoveComfortNoise(answer.SDP); err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return n.signaler.SendAnswer(answer.SDP)
}

func (n *Negotiator) acceptAnswer(typ webrtc.SDPType, sdp string) error {
	n.mu.Lock()
	pc, closed := n.pc, n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if pc == nil {
		return ErrNotStarted
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	n.flushCandidates(pc)
	return nil
}

// addCandidate queues candidates that arrive before there is a remote
// description to apply them to.
func (n *Negotiator) addCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.pc == nil || n.pc.RemoteDescription() == nil {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) flushCandidates(pc *webrtc.PeerConnection) {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			n.logger.Warnw("Dropping queued candidate", "candidate", c.Candidate, "error", err)
		}
	}
}

// PendingCandidates returns the number of queued remote candidates.
func (n *Negotiator) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Negotiator) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	if err := n.signaler.SendCandidate(c.ToJSON()); err != nil {
		n.logger.Warnw("Failed to send local candidate", "error", err)
	}
}

func (n *Negotiator) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	n.mu.Lock()
	n.tracks = append(n.tracks, remoteTrack{track: track, receiver: receiver})
	handlers := make([]TrackHandler, 0, len(n.trackHandlers))
	for _, fn := range n.trackHandlers {
		handlers = append(handlers, fn)
	}
	n.mu.Unlock()

	n.logger.Infow("Remote track received", "track_id", track.ID(), "kind", track.Kind().String(),
		"codec", track.Codec().MimeType)
	for _, fn := range handlers {
		fn(track, receiver)
	}
}

// handleICEState escalates a failed state only once it has persisted for
// the grace period; shorter flickers are ignored.
func (n *Negotiator) handleICEState(state webrtc.ICEConnectionState) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.iceState = state
	if state == webrtc.ICEConnectionStateFailed {
		if n.failTimer == nil {
			n.failTimer = time.AfterFunc(n.cfg.ICEFailureGrace, n.iceFailed)
		}
	} else if n.failTimer != nil {
		n.failTimer.Stop()
		n.failTimer = nil
	}
	handlers := append(([]func(webrtc.ICEConnectionState))(nil), n.onState...)
	n.mu.Unlock()

	n.logger.Debugw("ICE connection state changed", "ice_state", state.String())
	for _, fn := range handlers {
		fn(state)
	}
}

func (n *Negotiator) iceFailed() {
	n.mu.Lock()
	n.failTimer = nil
	if n.closed || n.iceState != webrtc.ICEConnectionStateFailed {
		n.mu.Unlock()
		return
	}
	handlers := append(([]func(error))(nil), n.onError...)
	n.mu.Unlock()

	n.logger.Warnw("ICE connectivity failed", "grace", n.cfg.ICEFailureGrace)
	for _, fn := range handlers {
		fn(ErrICEFailed)
	}
}

// ICEState returns the last reported ICE state.
func (n *Negotiator) ICEState() webrtc.ICEConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.iceState
}

// GetStats samples the peer connection and derives rates from the previous
// sample.
func (n *Negotiator) GetStats() (domain.StreamStats, error) {
	n.mu.Lock()
	pc, closed, frames := n.pc, n.closed, n.frames
	n.mu.Unlock()

	if closed {
		return domain.StreamStats{}, ErrClosed
	}
	if pc == nil {
		return domain.StreamStats{}, ErrNotStarted
	}

	var counts map[string]uint64
	if frames != nil {
		counts = frames()
	}
	return n.stats.Sample(pc.GetStats(), counts, time.Now()), nil
}

// Disconnect closes the peer connection. It is safe to call repeatedly.
func (n *Negotiator) Disconnect() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	if n.failTimer != nil {
		n.failTimer.Stop()
		n.failTimer = nil
	}
	pc := n.pc
	n.pending = nil
	n.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			n.logger.Debugw("Error closing peer connection", "error", err)
		}
	}
	n.logger.Debugw("Negotiator disconnected")
}

// IsClosed reports whether Disconnect has been called.
func (n *Negotiator) IsClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
