package raptor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, m *Message) map[string]interface{} {
	t.Helper()
	raw, err := m.Marshal()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestBuilder_URIs(t *testing.T) {
	b := NewBuilder("k", "S1")

	tests := []struct {
		msg    *Message
		method string
		uri    string
	}{
		{b.SessionRead(), "read", "/v2/partner/k/session/S1"},
		{b.ConnectionCreate("C1"), "create", "/v2/partner/k/session/S1/connection/C1"},
		{b.ConnectionDestroy("C1"), "delete", "/v2/partner/k/session/S1/connection/C1"},
		{b.StreamDestroy("ST"), "delete", "/v2/partner/k/session/S1/stream/ST"},
		{b.StreamOffer("ST", "v=0"), "offer", "/v2/partner/k/session/S1/stream/ST"},
		{b.StreamAnswer("ST", "v=0"), "answer", "/v2/partner/k/session/S1/stream/ST"},
		{b.StreamCandidate("ST", CandidateContent{Candidate: "c"}), "candidate", "/v2/partner/k/session/S1/stream/ST"},
		{b.StreamChannelUpdate("ST", "audio1", map[string]interface{}{"active": false}), "update", "/v2/partner/k/session/S1/stream/ST/channel/audio1"},
		{b.SubscriberCreate("ST", "B", nil), "create", "/v2/partner/k/session/S1/stream/ST/subscriber/B"},
		{b.SubscriberDestroy("ST", "B"), "delete", "/v2/partner/k/session/S1/stream/ST/subscriber/B"},
		{b.SubscriberUpdate("ST", "B", nil), "update", "/v2/partner/k/session/S1/stream/ST/subscriber/B"},
		{b.SubscriberOffer("ST", "B", "v=0"), "offer", "/v2/partner/k/session/S1/stream/ST/subscriber/B"},
		{b.SubscriberAnswer("ST", "B", "v=0"), "answer", "/v2/partner/k/session/S1/stream/ST/subscriber/B"},
		{b.SubscriberCandidate("ST", "B", CandidateContent{}), "candidate", "/v2/partner/k/session/S1/stream/ST/subscriber/B"},
		{b.SubscriberChannelUpdate("ST", "B", "video1", nil), "update", "/v2/partner/k/session/S1/stream/ST/subscriber/B/channel/video1"},
		{b.SignalCreate("", "X", "chat", ""), "signal", "/v2/partner/k/session/S1/signal/X"},
		{b.SignalCreate("C2", "X", "chat", ""), "signal", "/v2/partner/k/session/S1/connection/C2/signal/X"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.method, tt.msg.Method)
		assert.Equal(t, tt.uri, tt.msg.URI)

		// Every outbound URI must parse back to a routable resource.
		raw, err := tt.msg.Marshal()
		require.NoError(t, err)
		env, err := Deserialize(raw)
		require.NoError(t, err)
		assert.NotEmpty(t, env.Resource)
	}
}

func TestBuilder_StreamCreateOmitsBitratesUnlessSupplied(t *testing.T) {
	b := NewBuilder("k", "S1")

	plain := decode(t, b.StreamCreate(StreamCreateOptions{
		StreamID: "ST",
		Name:     "cam",
		Channels: []ChannelInfo{{ID: "audio1", Type: "audio", Active: true}},
	}))
	content := plain["content"].(map[string]interface{})
	assert.Equal(t, "ST", content["id"])
	assert.Equal(t, "cam", content["name"])
	assert.NotContains(t, content, "minBitrate")
	assert.NotContains(t, content, "maxBitrate")
	assert.Len(t, content["channel"], 1)

	minBitrate, maxBitrate := 100000, 2000000
	bounded := decode(t, b.StreamCreate(StreamCreateOptions{StreamID: "ST", MinBitrate: &minBitrate, MaxBitrate: &maxBitrate}))
	content = bounded["content"].(map[string]interface{})
	assert.Equal(t, float64(100000), content["minBitrate"])
	assert.Equal(t, float64(2000000), content["maxBitrate"])
	assert.Equal(t, []interface{}{}, content["channel"])
}

func TestBuilder_SignalContent(t *testing.T) {
	out := decode(t, NewBuilder("k", "S1").SignalCreate("", "X", "chat", `{"a":1}`))
	assert.Equal(t, map[string]interface{}{"type": "chat", "data": `{"a":1}`}, out["content"])
}
