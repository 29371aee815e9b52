package raptor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/infrastructure/rumor"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/tracing"
	"rtcsession/pkg/utils"
)

// Connect stages, used to tag connect failures.
const (
	StageWebSocketConnection = "WebSocketConnection"
	StageConnectToSession    = "ConnectToSession"
	StageGetSessionState     = "GetSessionState"
)

var (
	ErrTransportClosed = errors.New("raptor: transport closed before a reply arrived")
	ErrRequestTimeout  = errors.New("raptor: request timed out")
)

// ConnectError tags a connect failure with the stage that failed.
type ConnectError struct {
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Options configures a Socket.
type Options struct {
	APIKey string
	Info   domain.SessionInfo
	// URL overrides Info.MessagingURL.
	URL            string
	Rumor          rumor.Options
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
}

// Socket is the session scoped signaling channel: a Rumor transport plus a
// Dispatcher, with one method per protocol operation.
type Socket struct {
	opts       Options
	logger     *zap.SugaredLogger
	builder    *Builder
	dispatcher *Dispatcher

	connectionID string
	state        atomic.Int32

	mu        sync.RWMutex
	transport *rumor.Socket
	closed    chan struct{}
}

// NewSocket creates a disconnected socket.
func NewSocket(opts Options) *Socket {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.URL == "" {
		opts.URL = opts.Info.MessagingURL
	}
	logger := opts.Logger.With("session_id", opts.Info.SessionID)
	return &Socket{
		opts:         opts,
		logger:       logger,
		builder:      NewBuilder(opts.APIKey, opts.Info.SessionID),
		dispatcher:   NewDispatcher(logger),
		connectionID: utils.NewConnectionID(),
	}
}

func (s *Socket) Dispatcher() *Dispatcher { return s.dispatcher }
func (s *Socket) Builder() *Builder       { return s.builder }

// ConnectionID is the id this client announces and is known by.
func (s *Socket) ConnectionID() string { return s.connectionID }

func (s *Socket) State() rumor.State { return rumor.State(s.state.Load()) }

func (s *Socket) IsConnected() bool { return s.State() == rumor.StateConnected }

// BufferedAmount reports the bytes waiting in the transport send buffer.
func (s *Socket) BufferedAmount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return 0
	}
	return s.transport.BufferedAmount()
}

// Connect opens the transport, registers this connection with token and
// reads the session state. The session state reply is consumed by whoever
// listens for EventSessionRead, which must trigger the callback.
func (s *Socket) Connect(ctx context.Context, token string) error {
	if !s.state.CompareAndSwap(int32(rumor.StateDisconnected), int32(rumor.StateConnecting)) {
		return apperrors.New(apperrors.ErrCodeConnectFailed, "already connected or connecting")
	}

	if err := s.openTransport(ctx); err != nil {
		return s.connectFailed(StageWebSocketConnection, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, s.opts.connectTimeout())
	defer cancel()

	s.logger.Debugw("Registering connection", "connection_id", s.connectionID,
		"token", utils.MaskSensitive(token, 8))
	headers := map[string]string{rumor.HeaderTokenAuth: token}
	if _, err := s.tracedRequest(stepCtx, StageConnectToSession, s.builder.ConnectionCreate(s.connectionID), headers); err != nil {
		return s.connectFailed(StageConnectToSession, err)
	}

	if _, err := s.tracedRequest(stepCtx, StageGetSessionState, s.builder.SessionRead(), nil); err != nil {
		return s.connectFailed(StageGetSessionState, err)
	}

	if !s.state.CompareAndSwap(int32(rumor.StateConnecting), int32(rumor.StateConnected)) {
		return s.connectFailed(StageGetSessionState, ErrTransportClosed)
	}
	s.logger.Infow("Connected to session", "connection_id", s.connectionID)
	return nil
}

func (o Options) connectTimeout() time.Duration {
	if o.Rumor.ConnectTimeout > 0 {
		return o.Rumor.ConnectTimeout
	}
	return rumor.DefaultConnectTimeout
}

func (s *Socket) openTransport(ctx context.Context) error {
	ctx, span := tracing.TraceConnect(ctx, StageWebSocketConnection, s.opts.Info.SessionID)
	defer span.End()

	ropts := s.opts.Rumor
	if ropts.Logger == nil {
		ropts.Logger = s.opts.Logger
	}
	if ropts.NotifyDisconnectAddress == "" {
		ropts.NotifyDisconnectAddress = SessionURI(s.opts.APIKey, s.opts.Info.SessionID)
	}

	transport := rumor.NewSocket(s.opts.URL, ropts)
	closed := make(chan struct{})
	transport.OnMessage(s.dispatcher.Dispatch)
	transport.OnError(func(err error) {
		s.logger.Debugw("Transport error", "error", err)
	})
	transport.OnClose(func(ev rumor.CloseEvent) {
		s.handleClose(closed, ev)
	})

	s.mu.Lock()
	s.transport = transport
	s.closed = closed
	s.mu.Unlock()

	if err := transport.Connect(ctx, s.connectionID); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if err := transport.Subscribe([]string{SessionURI(s.opts.APIKey, s.opts.Info.SessionID)}); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (s *Socket) tracedRequest(ctx context.Context, stage string, msg *Message, headers map[string]string) (interface{}, error) {
	ctx, span := tracing.TraceConnect(ctx, stage, s.opts.Info.SessionID)
	defer span.End()

	payload, err := s.request(ctx, msg, headers, false)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return payload, err
}

func (s *Socket) connectFailed(stage string, err error) error {
	s.logger.Warnw("Failed to connect to session", "stage", stage, "error", err)

	s.mu.RLock()
	transport := s.transport
	s.mu.RUnlock()
	if transport != nil && transport.State() == rumor.StateConnected {
		transport.Disconnect()
	}
	s.state.Store(int32(rumor.StateDisconnected))

	return apperrors.Wrap(&ConnectError{Stage: stage, Err: err}, connectErrorCode(err), "unable to connect to the session")
}

func connectErrorCode(err error) apperrors.ErrorCode {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case 403:
			return apperrors.ErrCodeAuthFailed
		case 404:
			return apperrors.ErrCodeInvalidSessID
		case 409:
			return apperrors.ErrCodeTermsOfSvc
		}
		return apperrors.ErrCodeConnectFailed
	}
	if errors.Is(err, rumor.ErrConnectTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrCodeConnTimeout
	}
	return apperrors.ErrCodeConnectFailed
}

func (s *Socket) handleClose(closed chan struct{}, ev rumor.CloseEvent) {
	s.state.Store(int32(rumor.StateDisconnected))
	close(closed)
	if dropped := s.dispatcher.DropPending(); dropped > 0 {
		s.logger.Debugw("Dropped pending requests on close", "count", dropped)
	}
	s.logger.Infow("Signaling socket closed", "code", ev.Code, "reason", ev.Reason)
	s.dispatcher.HandleClose(ev)
}

// Disconnect closes the transport. The close is reported through the
// dispatcher as EventClose.
func (s *Socket) Disconnect() {
	state := s.State()
	if state != rumor.StateConnected && state != rumor.StateConnecting {
		return
	}
	s.state.Store(int32(rumor.StateDisconnecting))

	s.mu.RLock()
	transport := s.transport
	s.mu.RUnlock()
	if transport != nil {
		transport.Disconnect()
	}
}

// Publish assigns a transaction id, registers completion if given and sends
// msg to the server.
func (s *Socket) Publish(msg *Message, headers map[string]string, completion Completion) (string, error) {
	return s.publish(s.serverAddresses(), msg, headers, completion, true)
}

// PublishTo sends msg to explicit transport addresses, such as a peer.
func (s *Socket) PublishTo(addresses []string, msg *Message, headers map[string]string, completion Completion) (string, error) {
	return s.publish(addresses, msg, headers, completion, true)
}

func (s *Socket) serverAddresses() []string {
	if s.opts.Info.SymphonyAddress != "" {
		return []string{s.opts.Info.SymphonyAddress}
	}
	return []string{SessionURI(s.opts.APIKey, s.opts.Info.SessionID)}
}

func (s *Socket) publish(addresses []string, msg *Message, headers map[string]string, completion Completion, requireConnected bool) (string, error) {
	if requireConnected && !s.IsConnected() {
		return "", apperrors.NewNotConnectedError(msg.Method + " " + msg.URI)
	}

	s.mu.RLock()
	transport := s.transport
	s.mu.RUnlock()
	if transport == nil {
		return "", apperrors.NewNotConnectedError(msg.Method + " " + msg.URI)
	}

	payload, err := msg.Marshal()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidParam, "message cannot be encoded")
	}

	txID := utils.NewTransactionID()
	all := map[string]string{
		rumor.HeaderTransactionID: txID,
		rumor.HeaderContentType:   rumor.ContentTypeRaptor,
	}
	for k, v := range headers {
		all[k] = v
	}

	s.dispatcher.RegisterCallback(txID, completion)
	if err := transport.Publish(addresses, payload, all); err != nil {
		s.dispatcher.CancelCallback(txID)
		if errors.Is(err, rumor.ErrNotConnected) {
			return "", apperrors.NewNotConnectedError(msg.Method + " " + msg.URI)
		}
		return "", err
	}
	return txID, nil
}

// Request publishes msg and waits for its reply.
func (s *Socket) Request(ctx context.Context, msg *Message, headers map[string]string) (interface{}, error) {
	return s.request(ctx, msg, headers, true)
}

type reply struct {
	err     error
	payload interface{}
}

func (s *Socket) request(ctx context.Context, msg *Message, headers map[string]string, requireConnected bool) (interface{}, error) {
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	done := make(chan reply, 1)
	txID, err := s.publish(s.serverAddresses(), msg, headers, func(err error, payload interface{}) {
		done <- reply{err: err, payload: payload}
	}, requireConnected)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceRaptorRequest(ctx, msg.Method, msg.URI, txID)
	defer span.End()

	select {
	case r := <-done:
		if r.err != nil {
			tracing.RecordError(ctx, r.err)
		}
		return r.payload, r.err
	case <-closed:
		s.dispatcher.CancelCallback(txID)
		return nil, ErrTransportClosed
	case <-ctx.Done():
		s.dispatcher.CancelCallback(txID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrRequestTimeout, msg.Method, msg.URI)
		}
		return nil, ctx.Err()
	}
}

func (s *Socket) StreamCreate(opts StreamCreateOptions, completion Completion) error {
	_, err := s.Publish(s.builder.StreamCreate(opts), nil, completion)
	return err
}

func (s *Socket) StreamDestroy(streamID string) error {
	_, err := s.Publish(s.builder.StreamDestroy(streamID), nil, nil)
	return err
}

func (s *Socket) StreamChannelUpdate(streamID, channelID string, attributes map[string]interface{}, completion Completion) error {
	_, err := s.Publish(s.builder.StreamChannelUpdate(streamID, channelID, attributes), nil, completion)
	return err
}

func (s *Socket) SubscriberCreate(streamID, subscriberID string, channels []ChannelInfo, completion Completion) error {
	_, err := s.Publish(s.builder.SubscriberCreate(streamID, subscriberID, channels), nil, completion)
	return err
}

func (s *Socket) SubscriberDestroy(streamID, subscriberID string) error {
	_, err := s.Publish(s.builder.SubscriberDestroy(streamID, subscriberID), nil, nil)
	return err
}

func (s *Socket) SubscriberUpdate(streamID, subscriberID string, attributes map[string]interface{}, completion Completion) error {
	_, err := s.Publish(s.builder.SubscriberUpdate(streamID, subscriberID, attributes), nil, completion)
	return err
}

func (s *Socket) SubscriberChannelUpdate(streamID, subscriberID, channelID string, attributes map[string]interface{}, completion Completion) error {
	_, err := s.Publish(s.builder.SubscriberChannelUpdate(streamID, subscriberID, channelID, attributes), nil, completion)
	return err
}

// ForceDisconnect asks the server to remove another connection.
func (s *Socket) ForceDisconnect(connectionID string, completion Completion) error {
	_, err := s.Publish(s.builder.ConnectionDestroy(connectionID), nil, completion)
	return err
}

// ForceUnpublish asks the server to remove another connection's stream.
func (s *Socket) ForceUnpublish(streamID string, completion Completion) error {
	_, err := s.Publish(s.builder.StreamDestroy(streamID), nil, completion)
	return err
}

// jsepMessage addresses the stream when subscriberID is empty and the
// subscriber otherwise.
func (s *Socket) jsepMessage(method, streamID, subscriberID, sdp string) *Message {
	switch {
	case method == MethodOffer && subscriberID == "":
		return s.builder.StreamOffer(streamID, sdp)
	case method == MethodOffer:
		return s.builder.SubscriberOffer(streamID, subscriberID, sdp)
	case subscriberID == "":
		return s.builder.StreamAnswer(streamID, sdp)
	default:
		return s.builder.SubscriberAnswer(streamID, subscriberID, sdp)
	}
}

func (s *Socket) candidateMessage(streamID, subscriberID string, candidate CandidateContent) *Message {
	if subscriberID == "" {
		return s.builder.StreamCandidate(streamID, candidate)
	}
	return s.builder.SubscriberCandidate(streamID, subscriberID, candidate)
}

func (s *Socket) JSEPOffer(streamID, subscriberID, sdp string) error {
	_, err := s.Publish(s.jsepMessage(MethodOffer, streamID, subscriberID, sdp), nil, nil)
	return err
}

func (s *Socket) JSEPOfferP2P(toConnectionID, streamID, subscriberID, sdp string) error {
	_, err := s.PublishTo([]string{toConnectionID}, s.jsepMessage(MethodOffer, streamID, subscriberID, sdp), nil, nil)
	return err
}

func (s *Socket) JSEPAnswer(streamID, subscriberID, sdp string) error {
	_, err := s.Publish(s.jsepMessage(MethodAnswer, streamID, subscriberID, sdp), nil, nil)
	return err
}

func (s *Socket) JSEPAnswerP2P(toConnectionID, streamID, subscriberID, sdp string) error {
	_, err := s.PublishTo([]string{toConnectionID}, s.jsepMessage(MethodAnswer, streamID, subscriberID, sdp), nil, nil)
	return err
}

func (s *Socket) JSEPCandidate(streamID, subscriberID string, candidate CandidateContent) error {
	_, err := s.Publish(s.candidateMessage(streamID, subscriberID, candidate), nil, nil)
	return err
}

func (s *Socket) JSEPCandidateP2P(toConnectionID, streamID, subscriberID string, candidate CandidateContent) error {
	_, err := s.PublishTo([]string{toConnectionID}, s.candidateMessage(streamID, subscriberID, candidate), nil, nil)
	return err
}

// Signal sends an already validated signal. data must be JSON encoded.
func (s *Socket) Signal(toConnectionID, signalType, data string, completion Completion) error {
	msg := s.builder.SignalCreate(toConnectionID, utils.NewSignalID(), signalType, data)
	_, err := s.Publish(msg, nil, completion)
	return err
}
