package services

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/events"
	"rtcsession/internal/core/state"
	"rtcsession/internal/infrastructure/raptor"
	"rtcsession/internal/infrastructure/webrtc"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/logger"
	"rtcsession/pkg/utils"
	"rtcsession/pkg/validation"
)

// SessionState is the connection state of a Session.
type SessionState string

const (
	SessionDisconnected  SessionState = "disconnected"
	SessionConnecting    SessionState = "connecting"
	SessionConnected     SessionState = "connected"
	SessionDisconnecting SessionState = "disconnecting"
)

var sessionStates = []SessionState{
	SessionDisconnected, SessionConnecting, SessionConnected, SessionDisconnecting,
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionDisconnected:  {SessionConnecting},
	SessionConnecting:    {SessionConnected, SessionDisconnected},
	SessionConnected:     {SessionDisconnecting, SessionDisconnected},
	SessionDisconnecting: {SessionDisconnected},
}

// SessionEventType names an event raised by a Session.
type SessionEventType string

const (
	EventSessionConnected      SessionEventType = "sessionConnected"
	EventSessionDisconnected   SessionEventType = "sessionDisconnected"
	EventConnectionCreated     SessionEventType = "connectionCreated"
	EventConnectionDestroyed   SessionEventType = "connectionDestroyed"
	EventStreamCreated         SessionEventType = "streamCreated"
	EventStreamDestroyed       SessionEventType = "streamDestroyed"
	EventStreamPropertyChanged SessionEventType = "streamPropertyChanged"
	EventArchiveStarted        SessionEventType = "archiveStarted"
	EventArchiveStopped        SessionEventType = "archiveStopped"
	EventSignal                SessionEventType = "signal"
)

// SessionEvent is one session notification. Only the fields relevant to
// Type are set.
type SessionEvent struct {
	Type       SessionEventType
	Connection *domain.Connection
	Stream     *domain.Stream
	Archive    *domain.Archive
	Reason     domain.DestroyReason
	Change     *domain.PropertyChange
	Signal     *domain.SignalEvent
}

// SignalOptions describes an outbound signal. An empty To broadcasts to the
// whole session.
type SignalOptions struct {
	To   string
	Type string
	Data interface{}
}

// Session is one connection to a session: the synchronised model of its
// connections, streams and archives plus the local publishers and
// subscribers.
type Session struct {
	client *Client
	apiKey string
	id     string
	logger *zap.SugaredLogger

	state  *state.Machine[SessionState]
	events *events.Emitter[SessionEvent]

	Connections *domain.Collection[*domain.Connection]
	Streams     *domain.Collection[*domain.Stream]
	Archives    *domain.Collection[*domain.Archive]

	registry *webrtc.Registry[*webrtc.Negotiator]

	mu          sync.Mutex
	socket      *raptor.Socket
	info        *domain.SessionInfo
	connection  *domain.Connection
	publishers  map[string]*Publisher
	subscribers map[string]*Subscriber
	closed      chan struct{}
	tornDown    bool
}

func newSession(client *Client, apiKey, sessionID string) *Session {
	log := client.logger.With("session_id", sessionID)
	s := &Session{
		client:      client,
		apiKey:      apiKey,
		id:          sessionID,
		logger:      log,
		state:       state.NewMachine(SessionDisconnected, sessionStates, sessionTransitions),
		events:      events.NewEmitter[SessionEvent](log),
		Connections: domain.NewCollection[*domain.Connection](log),
		Streams:     domain.NewCollection[*domain.Stream](log),
		Archives:    domain.NewCollection[*domain.Archive](log),
		registry:    webrtc.NewRegistry[*webrtc.Negotiator](),
		publishers:  make(map[string]*Publisher),
		subscribers: make(map[string]*Subscriber),
	}
	s.state.OnError(func(err error) {
		log.Debugw("Ignored session state change", "error", err)
	})
	s.Connections.Events().On(s.onConnectionEvent, events.Synchronous)
	s.Streams.Events().On(s.onStreamEvent, events.Synchronous)
	s.Archives.Events().On(s.onArchiveEvent, events.Synchronous)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() SessionState { return s.state.Current() }

// IsConnected reports whether the session is connected.
func (s *Session) IsConnected() bool { return s.state.Is(SessionConnected) }

// Events exposes the session emitter for listeners that need to pick a
// delivery mode.
func (s *Session) Events() *events.Emitter[SessionEvent] { return s.events }

// On registers a deferred listener for one event type. Deferred delivery
// lets handlers call back into the session, for example to subscribe to a
// new stream.
func (s *Session) On(t SessionEventType, fn func(SessionEvent)) events.Subscription {
	return s.events.On(func(ev SessionEvent) {
		if ev.Type == t {
			fn(ev)
		}
	}, events.Deferred)
}

// OnSignal registers a deferred listener for signals of one type, the
// "signal:<type>" event.
func (s *Session) OnSignal(signalType string, fn func(domain.SignalEvent)) events.Subscription {
	return s.events.On(func(ev SessionEvent) {
		if ev.Type == EventSignal && ev.Signal != nil && ev.Signal.Type == signalType {
			fn(*ev.Signal)
		}
	}, events.Deferred)
}

// Connection returns the local connection, or nil when not connected.
func (s *Session) Connection() *domain.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection
}

// Capabilities reports what the local connection may do. Before the
// permissions are known every capability is assumed.
func (s *Session) Capabilities() domain.Capabilities {
	conn := s.Connection()
	if conn == nil {
		return domain.Capabilities{}
	}
	if !conn.PermissionsKnown() {
		return domain.Capabilities{Publish: true, Subscribe: true, Signal: true, ForceDisconnect: true, ForceUnpublish: true}
	}
	return conn.Capabilities()
}

// Info returns the bootstrap information of the current connection.
func (s *Session) Info() *domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Registry exposes the shared negotiator registry.
func (s *Session) Registry() *webrtc.Registry[*webrtc.Negotiator] { return s.registry }

func (s *Session) ctx(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.WithSessionID(ctx, s.id)
	if conn := s.Connection(); conn != nil {
		ctx = logger.WithConnectionID(ctx, conn.ID)
	}
	return ctx
}

// Connect bootstraps the session info, opens the signaling socket and reads
// the session state. It returns once the session is connected.
func (s *Session) Connect(ctx context.Context, token string) error {
	if err := validation.ValidateID(s.id, "session id"); err != nil {
		return s.fail(ctx, "Connect", apperrors.Wrap(err, apperrors.ErrCodeInvalidSessID, "invalid session id"))
	}
	if !s.state.Set(SessionConnecting) {
		return apperrors.Newf(apperrors.ErrCodeConnectFailed, "session is %s", s.State())
	}
	s.logEvent("Connect", domain.VariationAttempt, "", nil)

	info, err := s.client.sessionInfo.Get(ctx, s.id, token)
	if err != nil {
		s.state.Set(SessionDisconnected)
		s.logEvent("Connect", domain.VariationFailure, "", err)
		return s.fail(ctx, "Connect", err)
	}

	sock := raptor.NewSocket(raptor.Options{
		APIKey:         s.apiKey,
		Info:           *info,
		Rumor:          s.client.rumorOptions(),
		RequestTimeout: s.client.cfg.Raptor.RequestTimeout,
		Logger:         s.logger,
	})
	newSessionDispatcher(s, sock)

	s.mu.Lock()
	s.socket = sock
	s.info = info
	s.closed = make(chan struct{})
	s.tornDown = false
	s.mu.Unlock()

	if err := sock.Connect(ctx, token); err != nil {
		s.mu.Lock()
		s.socket = nil
		s.mu.Unlock()
		s.Streams.Clear(domain.ReasonNetworkDisconnected)
		s.Connections.Clear(domain.ReasonNetworkDisconnected)
		s.Archives.Clear(domain.ReasonNetworkDisconnected)
		s.state.Set(SessionDisconnected)
		s.logEvent("Connect", domain.VariationFailure, "", err)
		return s.fail(ctx, "Connect", err)
	}

	own, ok := s.Connections.Get(sock.ConnectionID())
	if !ok {
		own = &domain.Connection{ID: sock.ConnectionID(), CreationTime: utils.Now()}
		s.Connections.Add(own)
	}
	s.mu.Lock()
	s.connection = own
	s.mu.Unlock()

	if !s.state.Set(SessionConnected) {
		return s.fail(ctx, "Connect", apperrors.New(apperrors.ErrCodeConnectFailed, "session closed while connecting"))
	}
	s.logger.Infow("Session connected",
		"connection_id", own.ID,
		"connections", s.Connections.Len(),
		"streams", s.Streams.Len(),
		"p2p", info.P2PEnabled)
	s.client.metrics.SessionConnected()
	s.logEvent("Connect", domain.VariationSuccess, "", nil)
	s.events.Emit(SessionEvent{Type: EventSessionConnected, Connection: own})
	return nil
}

// Disconnect closes the signaling socket. The session reports
// sessionDisconnected once the transport has closed.
func (s *Session) Disconnect() {
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()
	if sock == nil || !s.state.Set(SessionDisconnecting) {
		return
	}
	s.logEvent("Disconnect", domain.VariationAttempt, "", nil)
	sock.Disconnect()
}

// Publish starts publishing pub into the session and returns once the
// server has created its stream.
func (s *Session) Publish(ctx context.Context, pub *Publisher) error {
	if !s.IsConnected() {
		return s.fail(ctx, "Publish", apperrors.NewNotConnectedError("publish"))
	}
	if !s.Capabilities().Publish {
		return s.fail(ctx, "Publish", apperrors.New(apperrors.ErrCodePublish,
			"this token does not allow publishing"))
	}
	if err := pub.publish(ctx, s); err != nil {
		return s.fail(ctx, "Publish", err)
	}
	return nil
}

// Unpublish stops pub and deletes its stream.
func (s *Session) Unpublish(pub *Publisher) {
	pub.Destroy()
}

// Subscribe creates a subscriber for stream and returns once the server has
// accepted it. Use Subscriber.WaitSubscribed to wait for media.
func (s *Session) Subscribe(ctx context.Context, stream *domain.Stream, opts SubscriberOptions) (*Subscriber, error) {
	if !s.IsConnected() {
		return nil, s.fail(ctx, "Subscribe", apperrors.NewNotConnectedError("subscribe"))
	}
	if stream == nil || !s.Streams.Has(stream.ID) {
		return nil, s.fail(ctx, "Subscribe", apperrors.New(apperrors.ErrCodeSubscribe,
			"stream is not part of this session"))
	}
	sub := newSubscriber(s, stream, opts)
	if err := sub.subscribe(ctx); err != nil {
		return nil, s.fail(ctx, "Subscribe", err)
	}
	return sub, nil
}

// Unsubscribe destroys sub.
func (s *Session) Unsubscribe(sub *Subscriber) {
	sub.Destroy()
}

// Signal sends a signal to one connection or to the whole session.
func (s *Session) Signal(ctx context.Context, opts SignalOptions) error {
	if !s.IsConnected() {
		return s.fail(ctx, "Signal", apperrors.NewNotConnectedError("signal"))
	}
	if err := validation.ValidateSignalType(opts.Type); err != nil {
		return s.fail(ctx, "Signal", err)
	}
	data, err := validation.ValidateSignalData(opts.Data)
	if err != nil {
		return s.fail(ctx, "Signal", err)
	}
	if err := validation.ValidateSignalTo(opts.To, s.Connections.Has); err != nil {
		return s.fail(ctx, "Signal", err)
	}

	sock := s.currentSocket()
	_, err = s.await(ctx, func(done raptor.Completion) error {
		return sock.Signal(opts.To, opts.Type, data, done)
	})
	if err != nil {
		return s.fail(ctx, "Signal", statusError(err, apperrors.ErrCodeUnexpected, "signal rejected"))
	}
	s.client.metrics.SignalSent(opts.Type)
	return nil
}

// ForceDisconnect asks the server to remove another connection.
func (s *Session) ForceDisconnect(ctx context.Context, connectionID string) error {
	if !s.IsConnected() {
		return s.fail(ctx, "ForceDisconnect", apperrors.NewNotConnectedError("forceDisconnect"))
	}
	if !s.Capabilities().ForceDisconnect {
		return s.fail(ctx, "ForceDisconnect", apperrors.New(apperrors.ErrCodeForceDisconn,
			"this token does not allow forcing disconnects"))
	}
	sock := s.currentSocket()
	_, err := s.await(ctx, func(done raptor.Completion) error {
		return sock.ForceDisconnect(connectionID, done)
	})
	if err != nil {
		return s.fail(ctx, "ForceDisconnect", statusError(err, apperrors.ErrCodeForceDisconn, "force disconnect rejected"))
	}
	return nil
}

// ForceUnpublish asks the server to remove another connection's stream.
func (s *Session) ForceUnpublish(ctx context.Context, streamID string) error {
	if !s.IsConnected() {
		return s.fail(ctx, "ForceUnpublish", apperrors.NewNotConnectedError("forceUnpublish"))
	}
	if !s.Capabilities().ForceUnpublish {
		return s.fail(ctx, "ForceUnpublish", apperrors.New(apperrors.ErrCodeForceUnpub,
			"this token does not allow forcing unpublish"))
	}
	sock := s.currentSocket()
	_, err := s.await(ctx, func(done raptor.Completion) error {
		return sock.ForceUnpublish(streamID, done)
	})
	if err != nil {
		return s.fail(ctx, "ForceUnpublish", statusError(err, apperrors.ErrCodeForceUnpub, "force unpublish rejected"))
	}
	return nil
}

// Publishers returns the local publishers.
func (s *Session) Publishers() []*Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Publisher, 0, len(s.publishers))
	for _, p := range s.publishers {
		out = append(out, p)
	}
	return out
}

// Subscribers returns the local subscribers.
func (s *Session) Subscribers() []*Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, sub)
	}
	return out
}

type reply struct {
	err     error
	payload interface{}
}

// await sends a request through send and waits for its completion, the end
// of ctx or the close of the transport.
func (s *Session) await(ctx context.Context, send func(done raptor.Completion) error) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	done := make(chan reply, 1)
	if err := send(func(err error, payload interface{}) {
		done <- reply{err: err, payload: payload}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.payload, r.err
	case <-closed:
		return nil, raptor.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) currentSocket() *raptor.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

func (s *Session) isOwnConnection(id string) bool {
	conn := s.Connection()
	return conn != nil && conn.ID == id
}

func (s *Session) fail(ctx context.Context, title string, err error) error {
	s.client.ReportError(s.ctx(ctx), s.id, title, err)
	return err
}

func (s *Session) logEvent(action, variation, streamID string, err error) {
	ev := domain.AnalyticsEvent{
		Action:     action,
		Variation:  variation,
		PartnerID:  s.apiKey,
		SessionID:  s.id,
		StreamID:   streamID,
		ClientTime: utils.NowMillis(),
	}
	if conn := s.Connection(); conn != nil {
		ev.ConnectionID = conn.ID
	}
	if err != nil {
		ev.Code = int(apperrors.CodeOf(err))
		ev.Message = err.Error()
	}
	s.client.analytics.LogEvent(ev)
}

// statusError maps a server rejection to code, keeping 1010 and context
// errors as they are.
func statusError(err error, code apperrors.ErrorCode, message string) error {
	if apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(err, code, message)
}

func (s *Session) addPublisher(p *Publisher) {
	s.mu.Lock()
	s.publishers[p.streamID] = p
	s.mu.Unlock()
}

func (s *Session) removePublisher(p *Publisher) {
	s.mu.Lock()
	if s.publishers[p.streamID] == p {
		delete(s.publishers, p.streamID)
	}
	s.mu.Unlock()
}

func (s *Session) publisher(streamID string) (*Publisher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.publishers[streamID]
	return p, ok
}

func (s *Session) addSubscriber(sub *Subscriber) {
	s.mu.Lock()
	s.subscribers[sub.id] = sub
	s.mu.Unlock()
}

func (s *Session) removeSubscriber(sub *Subscriber) {
	s.mu.Lock()
	if s.subscribers[sub.id] == sub {
		delete(s.subscribers, sub.id)
	}
	s.mu.Unlock()
}

func (s *Session) subscriber(id string) (*Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	return sub, ok
}

// subscribersFor returns the subscribers of streamID, narrowed to
// subscriberID when it is set.
func (s *Session) subscribersFor(streamID, subscriberID string) []*Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscriber
	for _, sub := range s.subscribers {
		if sub.stream.ID != streamID {
			continue
		}
		if subscriberID != "" && sub.id != subscriberID {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (s *Session) dispatchSignal(from *domain.Connection, signalType, data string) {
	s.events.Emit(SessionEvent{
		Type:       EventSignal,
		Connection: from,
		Signal:     &domain.SignalEvent{Type: signalType, Data: data, From: from},
	})
}

func (s *Session) onConnectionEvent(ev domain.CollectionEvent[*domain.Connection]) {
	switch ev.Kind {
	case domain.EntityAdded:
		s.events.Emit(SessionEvent{Type: EventConnectionCreated, Connection: ev.Entity})
	case domain.EntityRemoved:
		if s.isOwnConnection(ev.Entity.ID) {
			s.teardown(ev.Reason)
			return
		}
		s.events.Emit(SessionEvent{Type: EventConnectionDestroyed, Connection: ev.Entity, Reason: ev.Reason})
	}
}

func (s *Session) onStreamEvent(ev domain.CollectionEvent[*domain.Stream]) {
	stream := ev.Entity
	own := s.isOwnConnection(stream.ConnectionID())

	switch ev.Kind {
	case domain.EntityAdded:
		if !own {
			s.events.Emit(SessionEvent{Type: EventStreamCreated, Stream: stream})
		}
	case domain.EntityRemoved:
		for _, sub := range s.subscribersFor(stream.ID, "") {
			sub.destroy(ev.Reason, false)
		}
		if p, ok := s.publisher(stream.ID); ok {
			p.destroy(ev.Reason, false)
		}
		if !own {
			s.events.Emit(SessionEvent{Type: EventStreamDestroyed, Stream: stream, Reason: ev.Reason})
		}
	case domain.EntityUpdated:
		for i := range ev.Changes {
			change := ev.Changes[i]
			s.events.Emit(SessionEvent{Type: EventStreamPropertyChanged, Stream: stream, Change: &change})
		}
	}
}

func (s *Session) onArchiveEvent(ev domain.CollectionEvent[*domain.Archive]) {
	switch ev.Kind {
	case domain.EntityAdded:
		if ev.Entity.Status() != archiveStopped {
			s.events.Emit(SessionEvent{Type: EventArchiveStarted, Archive: ev.Entity})
		}
	case domain.EntityUpdated:
		for _, change := range ev.Changes {
			if change.Property == "status" && change.NewValue == archiveStopped {
				s.events.Emit(SessionEvent{Type: EventArchiveStopped, Archive: ev.Entity})
			}
		}
	}
}

const archiveStopped = "stopped"

// handleTransportClose destroys the local connection, if it still exists,
// with the close reason.
func (s *Session) handleTransportClose(reason domain.DestroyReason) {
	own := s.Connection()
	if own == nil {
		return
	}
	if _, ok := s.Connections.Remove(own.ID, reason); !ok {
		s.teardown(reason)
	}
}

// teardown destroys every local actor and clears the model. It runs once per
// connection.
func (s *Session) teardown(reason domain.DestroyReason) {
	s.mu.Lock()
	if s.tornDown || s.connection == nil {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	pubs := make([]*Publisher, 0, len(s.publishers))
	for _, p := range s.publishers {
		pubs = append(pubs, p)
	}
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	sock := s.socket
	closed := s.closed
	s.mu.Unlock()

	for _, sub := range subs {
		sub.destroy(reason, false)
	}
	for _, p := range pubs {
		p.destroy(reason, false)
	}
	s.registry.DisconnectAll()

	s.Streams.Clear(reason)
	s.Connections.Clear(reason)
	s.Archives.Clear(reason)

	s.mu.Lock()
	s.connection = nil
	s.socket = nil
	s.mu.Unlock()
	if closed != nil {
		close(closed)
	}
	if sock != nil {
		if sock.IsConnected() {
			sock.Disconnect()
		}
		// Frames still queued on the old socket must not touch the model.
		sock.Dispatcher().Events().RemoveAll()
	}

	s.state.Set(SessionDisconnected)
	s.logger.Infow("Session disconnected", "reason", reason)
	s.client.metrics.SessionDisconnected(string(reason))
	s.logEvent("Disconnect", domain.VariationSuccess, "", nil)
	s.events.Emit(SessionEvent{Type: EventSessionDisconnected, Reason: reason})
}
