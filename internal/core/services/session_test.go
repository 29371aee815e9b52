package services

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/events"
	"rtcsession/internal/infrastructure/raptor"
	"rtcsession/internal/infrastructure/rumor"
	"rtcsession/internal/infrastructure/signal"
	"rtcsession/internal/infrastructure/webrtc"
	"rtcsession/pkg/config"
	apperrors "rtcsession/pkg/errors"
)

const (
	testAPIKey  = "key"
	testSession = "session-1"
)

type devServer struct {
	srv  *signal.Server
	url  string
	logs *observer.ObservedLogs
}

func startDevServer(t *testing.T) *devServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.APIKey = testAPIKey
	core, logs := observer.New(zapcore.DebugLevel)
	srv := signal.NewServer(signal.ServerOptions{Config: cfg, Registry: prometheus.NewRegistry(), Logger: zap.New(core)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return &devServer{srv: srv, url: ts.URL, logs: logs}
}

func (d *devServer) token(t *testing.T, role signal.Role) string {
	t.Helper()
	token, err := d.srv.Issuer().Issue(testSession, role, "")
	require.NoError(t, err)
	return token
}

func (d *devServer) client() *Client {
	return d.clientWithLogger(nil)
}

func (d *devServer) clientWithLogger(log *zap.Logger) *Client {
	cfg := config.DefaultConfig()
	cfg.API.URL = d.url
	cfg.API.APIKey = testAPIKey
	cfg.Raptor.RequestTimeout = 5 * time.Second
	return NewClient(ClientOptions{Config: cfg, Logger: log})
}

// connect joins the test session with role and disconnects on cleanup.
func (d *devServer) connect(t *testing.T, role signal.Role) *Session {
	t.Helper()
	return d.connectClient(t, d.client(), role)
}

func (d *devServer) connectClient(t *testing.T, c *Client, role signal.Role) *Session {
	t.Helper()
	s := c.NewSession(testSession)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, d.token(t, role)))
	t.Cleanup(s.Disconnect)
	return s
}

// collect forwards session events of type t to a buffered channel.
func collect(s *Session, t SessionEventType) <-chan SessionEvent {
	ch := make(chan SessionEvent, 16)
	s.On(t, func(ev SessionEvent) { ch <- ev })
	return ch
}

func next(t *testing.T, ch <-chan SessionEvent) SessionEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session event")
		return SessionEvent{}
	}
}

func publishSilence(t *testing.T, s *Session, name string) *Publisher {
	t.Helper()
	pub := NewPublisher(s.client, PublisherOptions{
		Name:   name,
		Source: webrtc.NewSilentAudioSource(nil),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Publish(ctx, pub))
	return pub
}

func TestSession_ConnectReadsSessionState(t *testing.T) {
	dev := startDevServer(t)
	s := dev.connect(t, signal.RolePublisher)

	assert.Equal(t, SessionConnected, s.State())
	assert.Equal(t, 1, s.Connections.Len())
	assert.Equal(t, 0, s.Streams.Len())
	require.NotNil(t, s.Connection())
	assert.True(t, s.Connections.Has(s.Connection().ID))
	assert.True(t, s.Info().P2PEnabled)

	caps := s.Capabilities()
	assert.True(t, caps.Publish)
	assert.False(t, caps.ForceDisconnect)
}

func TestSession_ConnectRejectsBadToken(t *testing.T) {
	dev := startDevServer(t)
	s := dev.client().NewSession(testSession)

	exceptions := make(chan ExceptionEvent, 1)
	s.client.Exceptions().On(func(ev ExceptionEvent) { exceptions <- ev }, events.Synchronous)

	err := s.Connect(context.Background(), "forged")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAuthFailed, apperrors.CodeOf(err))
	assert.Equal(t, SessionDisconnected, s.State())

	ev := <-exceptions
	assert.Equal(t, "Connect", ev.Title)
	assert.Equal(t, apperrors.ErrCodeAuthFailed, ev.Code)
}

func TestSession_OperationsRequireConnection(t *testing.T) {
	c := NewClient(ClientOptions{})
	s := c.NewSession(testSession)
	assert.Same(t, s, c.NewSession(testSession))

	pub := NewPublisher(c, PublisherOptions{Source: webrtc.NewSilentAudioSource(nil)})
	err := s.Publish(context.Background(), pub)
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.CodeOf(err))
	assert.False(t, pub.IsPublishing())

	err = s.Signal(context.Background(), SignalOptions{Type: "chat"})
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.CodeOf(err))

	assert.Equal(t, domain.Capabilities{}, s.Capabilities())
}

func TestSession_RemoteStreamLifecycle(t *testing.T) {
	dev := startDevServer(t)
	watcher := dev.connect(t, signal.RoleSubscriber)
	created := collect(watcher, EventStreamCreated)
	destroyed := collect(watcher, EventStreamDestroyed)

	publisher := dev.connect(t, signal.RolePublisher)
	pub := publishSilence(t, publisher, "cam")
	assert.True(t, pub.IsPublishing())
	assert.Equal(t, pub.StreamID(), pub.Stream().ID)

	ev := next(t, created)
	assert.Equal(t, pub.StreamID(), ev.Stream.ID)
	assert.Equal(t, "cam", ev.Stream.Name)
	assert.Equal(t, publisher.Connection().ID, ev.Stream.ConnectionID())
	assert.True(t, ev.Stream.HasAudio())

	publisher.Unpublish(pub)
	ev = next(t, destroyed)
	assert.Equal(t, pub.StreamID(), ev.Stream.ID)
	assert.Equal(t, domain.ReasonClientDisconnected, ev.Reason)
	assert.False(t, watcher.Streams.Has(pub.StreamID()))
}

func TestDestroyBeforeStartIsQuiet(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewClient(ClientOptions{Logger: zap.New(core)})
	s := c.NewSession(testSession)

	pub := NewPublisher(c, PublisherOptions{Source: webrtc.NewSilentAudioSource(nil)})
	pub.Destroy()
	pub.Destroy()
	assert.False(t, pub.IsPublishing())

	sub := newSubscriber(s, domain.NewStream("stream-1", "cam", time.Now(), nil, nil), SubscriberOptions{})
	sub.Destroy()

	assert.Zero(t, logs.FilterMessage("Ignored publisher state change").Len())
	assert.Zero(t, logs.FilterMessage("Ignored subscriber state change").Len())
}

func TestSession_PublishNeedsPermission(t *testing.T) {
	dev := startDevServer(t)
	s := dev.connect(t, signal.RoleSubscriber)

	pub := NewPublisher(s.client, PublisherOptions{Source: webrtc.NewSilentAudioSource(nil)})
	err := s.Publish(context.Background(), pub)
	assert.Equal(t, apperrors.ErrCodePublish, apperrors.CodeOf(err))
	assert.Equal(t, 0, s.Streams.Len())
}

func TestSession_SubscribersShareNegotiator(t *testing.T) {
	dev := startDevServer(t)
	publisher := dev.connect(t, signal.RolePublisher)
	subscriber := dev.connect(t, signal.RoleSubscriber)
	created := collect(subscriber, EventStreamCreated)

	publishSilence(t, publisher, "cam")
	stream := next(t, created).Stream

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := subscriber.Subscribe(ctx, stream, SubscriberOptions{})
	require.NoError(t, err)
	second, err := subscriber.Subscribe(ctx, stream, SubscriberOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, first.PeerKey(), second.PeerKey())
	assert.Equal(t, publisher.Connection().ID, first.PeerKey().RemoteConnectionID)
	assert.Equal(t, 2, subscriber.Registry().Count(first.PeerKey()))
	assert.Len(t, subscriber.Subscribers(), 2)

	first.Destroy()
	assert.Equal(t, 1, subscriber.Registry().Count(first.PeerKey()))
	second.Destroy()
	assert.Equal(t, 0, subscriber.Registry().Count(first.PeerKey()))
	assert.Empty(t, subscriber.Subscribers())
}

func TestSession_PublisherChannelToggles(t *testing.T) {
	dev := startDevServer(t)
	publisher := dev.connect(t, signal.RolePublisher)
	watcher := dev.connect(t, signal.RoleSubscriber)
	created := collect(watcher, EventStreamCreated)
	changed := collect(watcher, EventStreamPropertyChanged)

	pub := publishSilence(t, publisher, "cam")
	remote := next(t, created).Stream
	require.True(t, remote.HasAudio())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pub.PublishAudio(ctx, false))
	assert.False(t, pub.Stream().HasAudio())
	ev := next(t, changed)
	assert.Equal(t, pub.StreamID(), ev.Stream.ID)
	require.NotNil(t, ev.Change)
	assert.Equal(t, domain.PropertyChange{Property: domain.PropertyHasAudio, OldValue: true, NewValue: false}, *ev.Change)
	assert.False(t, remote.HasAudio())

	require.NoError(t, pub.PublishAudio(ctx, true))
	assert.True(t, pub.Stream().HasAudio())
	ev = next(t, changed)
	assert.Equal(t, true, ev.Change.NewValue)
	assert.True(t, remote.HasAudio())

	err := pub.PublishVideo(ctx, true)
	assert.Equal(t, apperrors.ErrCodeInvalidParam, apperrors.CodeOf(err))
	assert.False(t, pub.Stream().HasVideo())

	publisher.Unpublish(pub)
	err = pub.PublishAudio(ctx, false)
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.CodeOf(err))
}

func TestSession_SubscriberChannelToggles(t *testing.T) {
	dev := startDevServer(t)
	publisher := dev.connect(t, signal.RolePublisher)
	core, clientLogs := observer.New(zapcore.InfoLevel)
	subscriber := dev.connectClient(t, dev.clientWithLogger(zap.New(core)), signal.RoleSubscriber)
	created := collect(subscriber, EventStreamCreated)

	publishSilence(t, publisher, "cam")
	stream := next(t, created).Stream

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := subscriber.Subscribe(ctx, stream, SubscriberOptions{})
	require.NoError(t, err)

	updates := func() []observer.LoggedEntry {
		return dev.logs.FilterMessage("Subscriber updated").FilterField(zap.String("subscriber_id", sub.ID())).All()
	}

	require.NoError(t, sub.SubscribeToAudio(ctx, false))
	assert.False(t, sub.channels()[0].Active)
	require.Eventually(t, func() bool { return len(updates()) == 1 }, 5*time.Second, 10*time.Millisecond)
	fields := updates()[0].ContextMap()
	assert.Equal(t, "audio1", fields["channel_id"])
	assert.Equal(t, map[string]interface{}{"active": false}, fields["attributes"])

	require.NoError(t, sub.SubscribeToAudio(ctx, true))
	assert.True(t, sub.channels()[0].Active)
	require.Eventually(t, func() bool { return len(updates()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]interface{}{"active": true}, updates()[1].ContextMap()["attributes"])

	err = sub.SubscribeToVideo(ctx, false)
	assert.Equal(t, apperrors.ErrCodeInvalidParam, apperrors.CodeOf(err))
	err = sub.RestrictFrameRate(ctx, true)
	assert.Equal(t, apperrors.ErrCodeInvalidParam, apperrors.CodeOf(err))

	sub.handleICEState(pionwebrtc.ICEConnectionStateConnected)
	states := clientLogs.FilterMessage("Peer connection state changed").FilterField(zap.String("ice_state", "connected"))
	assert.NotZero(t, states.Len())

	sub.Destroy()
	err = sub.SubscribeToAudio(ctx, false)
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.CodeOf(err))
}

func TestSession_Signals(t *testing.T) {
	dev := startDevServer(t)
	sender := dev.connect(t, signal.RolePublisher)
	receiver := dev.connect(t, signal.RoleSubscriber)

	got := make(chan domain.SignalEvent, 4)
	receiver.OnSignal("chat", func(ev domain.SignalEvent) { got <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.Signal(ctx, SignalOptions{Type: "chat", Data: "hi"}))

	select {
	case ev := <-got:
		assert.Equal(t, `"hi"`, ev.Data)
		require.NotNil(t, ev.From)
		assert.Equal(t, sender.Connection().ID, ev.From.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered")
	}

	require.NoError(t, sender.Signal(ctx, SignalOptions{To: receiver.Connection().ID, Type: "chat", Data: map[string]int{"n": 1}}))
	select {
	case ev := <-got:
		assert.Equal(t, `{"n":1}`, ev.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("direct signal not delivered")
	}

	err := sender.Signal(ctx, SignalOptions{To: "nobody"})
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
	err = sender.Signal(ctx, SignalOptions{Type: "bad type!"})
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.CodeOf(err))
}

func TestSession_ForceDisconnect(t *testing.T) {
	dev := startDevServer(t)
	target := dev.connect(t, signal.RolePublisher)
	publishSilence(t, target, "cam")
	moderator := dev.connect(t, signal.RoleModerator)

	gone := collect(moderator, EventConnectionDestroyed)
	kicked := collect(target, EventSessionDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	targetID := target.Connection().ID
	require.NoError(t, moderator.ForceDisconnect(ctx, targetID))

	ev := next(t, kicked)
	assert.Equal(t, domain.ReasonForceDisconnected, ev.Reason)
	assert.Equal(t, SessionDisconnected, target.State())
	assert.Empty(t, target.Publishers())
	assert.Equal(t, 0, target.Connections.Len())

	ev = next(t, gone)
	assert.Equal(t, targetID, ev.Connection.ID)
	assert.Equal(t, domain.ReasonForceDisconnected, ev.Reason)
	assert.Equal(t, 0, moderator.Streams.Len())

	publisher := dev.connect(t, signal.RolePublisher)
	err := publisher.ForceDisconnect(ctx, moderator.Connection().ID)
	assert.Equal(t, apperrors.ErrCodeForceDisconn, apperrors.CodeOf(err))
}

func TestSession_DisconnectTearsDown(t *testing.T) {
	dev := startDevServer(t)
	s := dev.connect(t, signal.RolePublisher)
	pub := publishSilence(t, s, "cam")
	done := collect(s, EventSessionDisconnected)

	s.Disconnect()
	ev := next(t, done)
	assert.Equal(t, domain.ReasonClientDisconnected, ev.Reason)
	assert.False(t, pub.IsPublishing())
	assert.Nil(t, s.Connection())
	assert.Equal(t, 0, s.Streams.Len())
}

func TestSession_DisconnectDetachesSocketHandlers(t *testing.T) {
	dev := startDevServer(t)
	s := dev.connect(t, signal.RolePublisher)
	sock := s.currentSocket()
	require.NotNil(t, sock)
	require.Positive(t, sock.Dispatcher().Events().Len())
	done := collect(s, EventSessionDisconnected)

	s.Disconnect()
	next(t, done)
	assert.Equal(t, 0, sock.Dispatcher().Events().Len())

	sock.Dispatcher().Dispatch(streamCreatedFrame(t, "late-stream", "conn-remote"))
	assert.Equal(t, 0, s.Streams.Len())
}

func streamCreatedFrame(t *testing.T, streamID, connectionID string) *rumor.Frame {
	t.Helper()
	uri := raptor.StreamURI(testAPIKey, testSession, streamID)
	payload, err := (&raptor.Message{Method: "created", URI: uri, Content: raptor.StreamInfo{
		ID:         streamID,
		Connection: raptor.ConnectionRef{ID: connectionID},
		Channel:    []raptor.ChannelInfo{{ID: "audio1", Type: "audio", Active: true}},
	}}).Marshal()
	require.NoError(t, err)
	return rumor.NewMessage([]string{uri}, map[string]string{
		rumor.HeaderContentType: rumor.ContentTypeRaptor,
		rumor.HeaderFromAddress: domain.ServerAddressPrefix + "dev",
	}, payload)
}

func TestSessionDispatcher_DuplicateStreamCreatedKeepsOneEntry(t *testing.T) {
	s := NewClient(ClientOptions{}).NewSession(testSession)
	sock := raptor.NewSocket(raptor.Options{APIKey: testAPIKey})
	newSessionDispatcher(s, sock)

	var created int
	s.Events().On(func(ev SessionEvent) {
		if ev.Type == EventStreamCreated {
			created++
		}
	}, events.Synchronous)

	frame := streamCreatedFrame(t, "stream-1", "conn-remote")
	sock.Dispatcher().Dispatch(frame)
	sock.Dispatcher().Dispatch(frame)

	assert.Equal(t, 1, s.Streams.Len())
	assert.Equal(t, 1, created)
	stream, ok := s.Streams.Get("stream-1")
	require.True(t, ok)
	assert.Equal(t, "conn-remote", stream.ConnectionID())
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		code int
		want domain.DestroyReason
	}{
		{rumor.CloseNormal, domain.ReasonClientDisconnected},
		{rumor.CloseGoingAway, domain.ReasonClientDisconnected},
		{rumor.CloseConnectivityLoss, domain.ReasonNetworkTimedout},
		{rumor.CloseAbnormal, domain.ReasonNetworkDisconnected},
		{1011, domain.ReasonNetworkDisconnected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closeReason(rumor.CloseEvent{Code: tt.code}), "code %d", tt.code)
	}
}
