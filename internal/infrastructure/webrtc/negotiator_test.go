package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"rtcsession/pkg/tracing"
)

type recordingSignaler struct {
	mu         sync.Mutex
	offers     []string
	answers    []string
	candidates []webrtc.ICECandidateInit
}

func (s *recordingSignaler) SendOffer(sdp string) error {
	s.mu.Lock()
	s.offers = append(s.offers, sdp)
	s.mu.Unlock()
	return nil
}

func (s *recordingSignaler) SendAnswer(sdp string) error {
	s.mu.Lock()
	s.answers = append(s.answers, sdp)
	s.mu.Unlock()
	return nil
}

func (s *recordingSignaler) SendCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.mu.Unlock()
	return nil
}

func (s *recordingSignaler) lastAnswer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.answers) == 0 {
		return ""
	}
	return s.answers[len(s.answers)-1]
}

func remoteOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	require.NoError(t, err)

	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))
	return remote, offer.SDP
}

func TestNegotiator_AnswersOffer(t *testing.T) {
	sig := &recordingSignaler{}
	n := NewNegotiator(Config{}, sig)
	defer n.Disconnect()

	remote, offer := remoteOffer(t)
	require.NoError(t, n.ProcessMessage(Message{Type: MessageOffer, SDP: offer}))

	answer := sig.lastAnswer()
	require.NotEmpty(t, answer)
	assert.NotContains(t, answer, " CN/")

	require.NoError(t, remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}))
}

func TestNegotiator_QueuesEarlyCandidates(t *testing.T) {
	sig := &recordingSignaler{}
	n := NewNegotiator(Config{}, sig)
	defer n.Disconnect()

	mid := "0"
	var index uint16
	candidate := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}

	require.NoError(t, n.ProcessMessage(Message{Type: MessageCandidate, Candidate: candidate}))
	require.NoError(t, n.ProcessMessage(Message{Type: MessageCandidate, Candidate: candidate}))
	assert.Equal(t, 2, n.PendingCandidates())

	_, offer := remoteOffer(t)
	require.NoError(t, n.ProcessMessage(Message{Type: MessageOffer, SDP: offer}))
	assert.Equal(t, 0, n.PendingCandidates())
}

func TestNegotiator_GenerateOffer(t *testing.T) {
	sig := &recordingSignaler{}
	n := NewNegotiator(Config{Configure: func(pc *webrtc.PeerConnection) error {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		return err
	}}, sig)
	defer n.Disconnect()

	require.NoError(t, n.ProcessMessage(Message{Type: MessageGenerateOffer}))
	sig.mu.Lock()
	require.Len(t, sig.offers, 1)
	assert.Contains(t, sig.offers[0], "m=video")
	sig.mu.Unlock()
}

func TestNegotiator_AnswerBeforeStart(t *testing.T) {
	n := NewNegotiator(Config{}, &recordingSignaler{})
	assert.ErrorIs(t, n.ProcessMessage(Message{Type: MessageAnswer, SDP: "v=0"}), ErrNotStarted)
	assert.ErrorIs(t, n.ProcessMessage(Message{Type: "bogus"}), ErrUnsupportedMessage)

	_, err := n.GetStats()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestNegotiator_DisconnectIsFinal(t *testing.T) {
	n := NewNegotiator(Config{}, &recordingSignaler{})
	_, err := n.PeerConnection()
	require.NoError(t, err)

	n.Disconnect()
	n.Disconnect()
	assert.True(t, n.IsClosed())

	_, err = n.PeerConnection()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, n.ProcessMessage(Message{Type: MessageCandidate}), ErrClosed)
}

func TestNegotiator_ICEFailureGrace(t *testing.T) {
	n := NewNegotiator(Config{ICEFailureGrace: 30 * time.Millisecond}, &recordingSignaler{})
	defer n.Disconnect()

	errs := make(chan error, 4)
	n.OnError(func(err error) { errs <- err })

	// A failure that recovers inside the grace period is not reported.
	n.handleICEState(webrtc.ICEConnectionStateFailed)
	n.handleICEState(webrtc.ICEConnectionStateChecking)
	select {
	case err := <-errs:
		t.Fatalf("transient failure reported: %v", err)
	case <-time.After(80 * time.Millisecond):
	}

	n.handleICEState(webrtc.ICEConnectionStateFailed)
	n.handleICEState(webrtc.ICEConnectionStateFailed)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrICEFailed)
	case <-time.After(time.Second):
		t.Fatal("persistent failure not reported")
	}
	select {
	case err := <-errs:
		t.Fatalf("failure reported twice: %v", err)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestNegotiator_NoFailureAfterDisconnect(t *testing.T) {
	n := NewNegotiator(Config{ICEFailureGrace: 20 * time.Millisecond}, &recordingSignaler{})
	called := make(chan struct{}, 1)
	n.OnError(func(error) { called <- struct{}{} })

	n.handleICEState(webrtc.ICEConnectionStateFailed)
	n.Disconnect()

	select {
	case <-called:
		t.Fatal("error reported after disconnect")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestNegotiator_TracesAnswer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	n := NewNegotiator(Config{ConnectionID: "conn-remote", StreamID: "stream-1"}, &recordingSignaler{})
	defer n.Disconnect()

	_, offer := remoteOffer(t)
	require.NoError(t, n.ProcessMessage(Message{Type: MessageOffer, SDP: offer}))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "webrtc.create_answer", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "conn-remote", attrs[string(tracing.ConnectionIDKey)])
	assert.Equal(t, "stream-1", attrs[string(tracing.StreamIDKey)])
}

func TestNegotiator_StateChangeHandlers(t *testing.T) {
	n := NewNegotiator(Config{ICEFailureGrace: time.Minute}, &recordingSignaler{})
	defer n.Disconnect()

	var got []webrtc.ICEConnectionState
	n.OnStateChange(func(s webrtc.ICEConnectionState) { got = append(got, s) })

	n.handleICEState(webrtc.ICEConnectionStateChecking)
	n.handleICEState(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, []webrtc.ICEConnectionState{
		webrtc.ICEConnectionStateChecking,
		webrtc.ICEConnectionStateConnected,
	}, got)
	assert.Equal(t, webrtc.ICEConnectionStateConnected, n.ICEState())

	n.Disconnect()
	n.handleICEState(webrtc.ICEConnectionStateDisconnected)
	assert.Len(t, got, 2)
}
