package signal

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcsession/internal/infrastructure/raptor"
	"rtcsession/internal/infrastructure/rumor"
	"rtcsession/pkg/config"
	"rtcsession/pkg/utils"
)

const (
	testAPIKey  = "key"
	testSession = "session-1"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.APIKey = testAPIKey
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(ServerOptions{Config: cfg, Registry: prometheus.NewRegistry()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		ts.Close()
	})
	return s, ts
}

// rawPeer speaks the Rumor protocol by hand.
type rawPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dialPeer(t *testing.T, ts *httptest.Server, id string) *rawPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rumor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &rawPeer{t: t, conn: conn, id: id}
	p.send(rumor.NewConnect(id, ""))
	return p
}

func (p *rawPeer) send(f *rumor.Frame) {
	p.t.Helper()
	data, err := rumor.Encode(f)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.BinaryMessage, data))
}

// request sends a Raptor message to the server and returns its transaction id.
func (p *rawPeer) request(method, uri string, content interface{}, headers map[string]string) string {
	p.t.Helper()
	return p.requestTo(SymphonyAddress, method, uri, content, headers)
}

func (p *rawPeer) requestTo(address, method, uri string, content interface{}, headers map[string]string) string {
	p.t.Helper()
	payload, err := (&raptor.Message{Method: method, URI: uri, Content: content}).Marshal()
	require.NoError(p.t, err)

	txID := utils.NewTransactionID()
	all := map[string]string{
		rumor.HeaderTransactionID: txID,
		rumor.HeaderContentType:   rumor.ContentTypeRaptor,
	}
	for k, v := range headers {
		all[k] = v
	}
	p.send(rumor.NewMessage([]string{address}, all, payload))
	return txID
}

// expect reads frames until match accepts one.
func (p *rawPeer) expect(what string, match func(*rumor.Frame) bool) *rumor.Frame {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		_, data, err := p.conn.ReadMessage()
		require.NoError(p.t, err, "waiting for %s", what)
		f, err := rumor.Decode(data)
		require.NoError(p.t, err)
		if match(f) {
			return f
		}
	}
}

func (p *rawPeer) expectStatus(txID string) *rumor.Frame {
	p.t.Helper()
	return p.expect("status of "+txID, func(f *rumor.Frame) bool {
		return f.Type == rumor.TypeStatus && f.TransactionID() == txID
	})
}

func (p *rawPeer) expectEvent(method, uri string) *raptor.Envelope {
	p.t.Helper()
	f := p.expect(method+" "+uri, func(f *rumor.Frame) bool {
		if f.Type != rumor.TypeMessage {
			return false
		}
		env, err := raptor.UnboxFrame(f)
		return err == nil && env.Method == method && env.URI == uri
	})
	env, err := raptor.UnboxFrame(f)
	require.NoError(p.t, err)
	return env
}

func (p *rawPeer) join(s *Server, role Role) {
	p.t.Helper()
	token, err := s.Issuer().Issue(testSession, role, "name="+p.id)
	require.NoError(p.t, err)
	txID := p.request(raptor.MethodCreate, raptor.ConnectionURI(testAPIKey, testSession, p.id), struct{}{},
		map[string]string{rumor.HeaderTokenAuth: token})
	status := p.expectStatus(txID)
	require.Equal(p.t, "200", status.Status())
}

func streamURI(id string) string { return raptor.StreamURI(testAPIKey, testSession, id) }

// published publishes id and waits for the creation event.
func (p *rawPeer) published(id string) {
	p.t.Helper()
	txID := p.publish(id)
	env := p.expectEvent("created", streamURI(id))
	require.Equal(p.t, txID, env.TransactionID)
}

func (p *rawPeer) publish(id string) string {
	p.t.Helper()
	return p.request(raptor.MethodCreate, streamURI(id), map[string]interface{}{
		"id":   id,
		"name": "cam",
		"channel": []raptor.ChannelInfo{
			{ID: "audio1", Type: "audio", Active: true},
			{ID: "video1", Type: "video", Active: true, Width: 640, Height: 480},
		},
	}, nil)
}

func TestHub_RejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	p := dialPeer(t, ts, "conn-a")

	txID := p.request(raptor.MethodCreate, raptor.ConnectionURI(testAPIKey, testSession, "conn-a"), struct{}{},
		map[string]string{rumor.HeaderTokenAuth: "garbage"})
	assert.Equal(t, "403", p.expectStatus(txID).Status())

	txID = p.request(raptor.MethodRead, raptor.SessionURI(testAPIKey, testSession), struct{}{}, nil)
	assert.Equal(t, "403", p.expectStatus(txID).Status())
}

func TestHub_SessionReadSnapshot(t *testing.T) {
	s, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "conn-a")
	a.join(s, RolePublisher)
	a.published("stream-a")

	b := dialPeer(t, ts, "conn-b")
	b.join(s, RoleSubscriber)

	txID := b.request(raptor.MethodRead, raptor.SessionURI(testAPIKey, testSession), struct{}{}, nil)
	env := b.expectEvent(raptor.MethodRead, raptor.SessionURI(testAPIKey, testSession))
	assert.Equal(t, txID, env.TransactionID)

	var snap raptor.SessionSnapshot
	require.NoError(t, env.DecodeContent(&snap))
	require.Len(t, snap.Connection, 2)
	require.Len(t, snap.Stream, 1)
	assert.Equal(t, "stream-a", snap.Stream[0].ID)
	assert.Equal(t, "conn-a", snap.Stream[0].Connection.ID)
	assert.ElementsMatch(t, []string{"subscribe", "signal"}, snap.Connection[1].Permissions)

	created := a.expectEvent("created", raptor.ConnectionURI(testAPIKey, testSession, "conn-b"))
	assert.Equal(t, SymphonyAddress, created.FromAddress)
}

func TestHub_StreamCreate(t *testing.T) {
	s, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "conn-a")
	a.join(s, RolePublisher)
	b := dialPeer(t, ts, "conn-b")
	b.join(s, RoleSubscriber)

	txID := b.publish("stream-b")
	assert.Equal(t, "403", b.expectStatus(txID).Status())

	txID = a.publish("stream-a")
	own := a.expectEvent("created", streamURI("stream-a"))
	assert.Equal(t, txID, own.TransactionID)

	other := b.expectEvent("created", streamURI("stream-a"))
	assert.Empty(t, other.TransactionID)
	var info raptor.StreamInfo
	require.NoError(t, other.DecodeContent(&info))
	assert.Len(t, info.Channel, 2)
}

func TestHub_SubscribeRequestsOfferFromPublisher(t *testing.T) {
	s, ts := newTestServer(t, nil)
	pub := dialPeer(t, ts, "conn-pub")
	pub.join(s, RolePublisher)
	pub.published("stream-a")

	sub := dialPeer(t, ts, "conn-sub")
	sub.join(s, RoleSubscriber)

	subURI := raptor.SubscriberURI(testAPIKey, testSession, "stream-a", "sub-1")
	txID := sub.request(raptor.MethodCreate, subURI, map[string]interface{}{"id": "sub-1", "channel": []interface{}{}}, nil)
	created := sub.expectEvent("created", subURI)
	assert.Equal(t, txID, created.TransactionID)

	offerReq := pub.expectEvent("generateoffer", subURI)
	assert.Equal(t, "conn-sub", offerReq.FromAddress)

	pub.requestTo("conn-sub", raptor.MethodOffer, subURI, raptor.SDPContent{SDP: "v=0"}, nil)
	offer := sub.expectEvent(raptor.MethodOffer, subURI)
	assert.Equal(t, "conn-pub", offer.FromAddress)

	txID = sub.request(raptor.MethodDelete, subURI, struct{}{}, nil)
	assert.Equal(t, "200", sub.expectStatus(txID).Status())
	unsub := pub.expectEvent("unsubscribe", subURI)
	assert.Equal(t, "conn-sub", unsub.FromAddress)
}

func TestHub_Signals(t *testing.T) {
	s, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "conn-a")
	a.join(s, RolePublisher)
	b := dialPeer(t, ts, "conn-b")
	b.join(s, RoleSubscriber)

	broadcast := raptor.SignalURI(testAPIKey, testSession, "", "sig-1")
	txID := a.request(raptor.MethodSignal, broadcast, raptor.SignalContent{Type: "chat", Data: `"hi"`}, nil)
	assert.Equal(t, "200", a.expectStatus(txID).Status())
	got := b.expectEvent(raptor.MethodSignal, broadcast)
	assert.Equal(t, "conn-a", got.FromAddress)
	a.expectEvent(raptor.MethodSignal, broadcast)

	direct := raptor.SignalURI(testAPIKey, testSession, "conn-b", "sig-2")
	txID = a.request(raptor.MethodSignal, direct, raptor.SignalContent{Data: `1`}, nil)
	assert.Equal(t, "200", a.expectStatus(txID).Status())
	b.expectEvent(raptor.MethodSignal, direct)

	missing := raptor.SignalURI(testAPIKey, testSession, "conn-x", "sig-3")
	txID = a.request(raptor.MethodSignal, missing, raptor.SignalContent{}, nil)
	assert.Equal(t, "404", a.expectStatus(txID).Status())

	tooLong := raptor.SignalURI(testAPIKey, testSession, "", "sig-4")
	txID = a.request(raptor.MethodSignal, tooLong, raptor.SignalContent{Type: strings.Repeat("t", 129)}, nil)
	assert.Equal(t, "413", a.expectStatus(txID).Status())
}

func TestHub_ForceDisconnect(t *testing.T) {
	s, ts := newTestServer(t, nil)
	target := dialPeer(t, ts, "conn-target")
	target.join(s, RolePublisher)
	target.published("stream-t")
	pub := dialPeer(t, ts, "conn-pub")
	pub.join(s, RolePublisher)
	mod := dialPeer(t, ts, "conn-mod")
	mod.join(s, RoleModerator)

	targetURI := raptor.ConnectionURI(testAPIKey, testSession, "conn-target")
	txID := pub.request(raptor.MethodDelete, targetURI, struct{}{}, nil)
	assert.Equal(t, "403", pub.expectStatus(txID).Status())

	txID = mod.request(raptor.MethodDelete, targetURI, struct{}{}, nil)
	assert.Equal(t, "200", mod.expectStatus(txID).Status())

	streamGone := pub.expectEvent("deleted", streamURI("stream-t"))
	var content raptor.DeletedContent
	require.NoError(t, streamGone.DecodeContent(&content))
	assert.Equal(t, "forceDisconnected", content.Reason)

	kicked := target.expectEvent("deleted", targetURI)
	require.NoError(t, kicked.DecodeContent(&content))
	assert.Equal(t, "forceDisconnected", content.Reason)

	assert.Eventually(t, func() bool { return s.Hub().ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_DisconnectCleansUp(t *testing.T) {
	s, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "conn-a")
	a.join(s, RolePublisher)
	a.published("stream-a")
	b := dialPeer(t, ts, "conn-b")
	b.join(s, RoleSubscriber)

	a.send(rumor.NewDisconnect())

	b.expectEvent("deleted", streamURI("stream-a"))
	gone := b.expectEvent("deleted", raptor.ConnectionURI(testAPIKey, testSession, "conn-a"))
	var content raptor.DeletedContent
	require.NoError(t, gone.DecodeContent(&content))
	assert.Equal(t, "clientDisconnected", content.Reason)

	txID := b.request(raptor.MethodRead, raptor.SessionURI(testAPIKey, testSession), struct{}{}, nil)
	env := b.expectEvent(raptor.MethodRead, raptor.SessionURI(testAPIKey, testSession))
	assert.Equal(t, txID, env.TransactionID)
	var snap raptor.SessionSnapshot
	require.NoError(t, json.Unmarshal(env.Content, &snap))
	assert.Len(t, snap.Connection, 1)
	assert.Empty(t, snap.Stream)
}

func TestHub_PingAndRateLimit(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Signal.MessagesPerSecond = 0.001
		cfg.Signal.Burst = 2
	})
	p := dialPeer(t, ts, "conn-a")

	p.send(rumor.NewPing())
	p.expect("pong", func(f *rumor.Frame) bool { return f.Type == rumor.TypePong })

	p.join(s, RolePublisher)
	p.published("stream-a")

	txID := p.publish("stream-b")
	assert.Equal(t, "429", p.expectStatus(txID).Status())
}
