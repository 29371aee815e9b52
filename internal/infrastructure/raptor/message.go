package raptor

import (
	"encoding/json"
)

// Message is an outbound Raptor envelope.
type Message struct {
	Method  string      `json:"method"`
	URI     string      `json:"uri"`
	Content interface{} `json:"content"`
}

// Marshal encodes the message as the Rumor payload.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Outbound method names.
const (
	MethodRead      = "read"
	MethodCreate    = "create"
	MethodUpdate    = "update"
	MethodDelete    = "delete"
	MethodOffer     = "offer"
	MethodAnswer    = "answer"
	MethodPranswer  = "pranswer"
	MethodCandidate = "candidate"
	MethodSignal    = "signal"
)

// ChannelInfo is the wire form of a stream or subscriber channel.
type ChannelInfo struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	Active            bool    `json:"active"`
	Orientation       int     `json:"orientation,omitempty"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	FrameRate         float64 `json:"frameRate,omitempty"`
	Source            string  `json:"source,omitempty"`
	RestrictFrameRate bool    `json:"restrictFrameRate,omitempty"`
}

// StreamCreateOptions describes a stream being published.
type StreamCreateOptions struct {
	StreamID   string
	Name       string
	Channels   []ChannelInfo
	MinBitrate *int
	MaxBitrate *int
}

type streamCreateContent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Channel    []ChannelInfo `json:"channel"`
	MinBitrate *int          `json:"minBitrate,omitempty"`
	MaxBitrate *int          `json:"maxBitrate,omitempty"`
}

type subscriberCreateContent struct {
	ID      string        `json:"id"`
	Channel []ChannelInfo `json:"channel"`
}

// SDPContent carries an offer or answer.
type SDPContent struct {
	SDP string `json:"sdp"`
}

// CandidateContent carries one ICE candidate.
type CandidateContent struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalContent is the body of a signal.
type SignalContent struct {
	Type string `json:"type,omitempty"`
	Data string `json:"data,omitempty"`
}

// Builder creates envelopes for one session.
type Builder struct {
	APIKey    string
	SessionID string
}

func NewBuilder(apiKey, sessionID string) *Builder {
	return &Builder{APIKey: apiKey, SessionID: sessionID}
}

func (b *Builder) SessionRead() *Message {
	return &Message{Method: MethodRead, URI: SessionURI(b.APIKey, b.SessionID), Content: struct{}{}}
}

func (b *Builder) ConnectionCreate(connectionID string) *Message {
	return &Message{Method: MethodCreate, URI: ConnectionURI(b.APIKey, b.SessionID, connectionID), Content: struct{}{}}
}

func (b *Builder) ConnectionDestroy(connectionID string) *Message {
	return &Message{Method: MethodDelete, URI: ConnectionURI(b.APIKey, b.SessionID, connectionID), Content: struct{}{}}
}

// StreamCreate omits the bitrate bounds unless they are supplied.
func (b *Builder) StreamCreate(opts StreamCreateOptions) *Message {
	channels := opts.Channels
	if channels == nil {
		channels = []ChannelInfo{}
	}
	return &Message{
		Method: MethodCreate,
		URI:    StreamURI(b.APIKey, b.SessionID, opts.StreamID),
		Content: streamCreateContent{
			ID:         opts.StreamID,
			Name:       opts.Name,
			Channel:    channels,
			MinBitrate: opts.MinBitrate,
			MaxBitrate: opts.MaxBitrate,
		},
	}
}

func (b *Builder) StreamDestroy(streamID string) *Message {
	return &Message{Method: MethodDelete, URI: StreamURI(b.APIKey, b.SessionID, streamID), Content: struct{}{}}
}

func (b *Builder) StreamOffer(streamID, sdp string) *Message {
	return &Message{Method: MethodOffer, URI: StreamURI(b.APIKey, b.SessionID, streamID), Content: SDPContent{SDP: sdp}}
}

func (b *Builder) StreamAnswer(streamID, sdp string) *Message {
	return &Message{Method: MethodAnswer, URI: StreamURI(b.APIKey, b.SessionID, streamID), Content: SDPContent{SDP: sdp}}
}

func (b *Builder) StreamCandidate(streamID string, candidate CandidateContent) *Message {
	return &Message{Method: MethodCandidate, URI: StreamURI(b.APIKey, b.SessionID, streamID), Content: candidate}
}

func (b *Builder) StreamChannelUpdate(streamID, channelID string, attributes map[string]interface{}) *Message {
	return &Message{
		Method:  MethodUpdate,
		URI:     StreamChannelURI(b.APIKey, b.SessionID, streamID, channelID),
		Content: attributes,
	}
}

func (b *Builder) SubscriberCreate(streamID, subscriberID string, channels []ChannelInfo) *Message {
	if channels == nil {
		channels = []ChannelInfo{}
	}
	return &Message{
		Method:  MethodCreate,
		URI:     SubscriberURI(b.APIKey, b.SessionID, streamID, subscriberID),
		Content: subscriberCreateContent{ID: subscriberID, Channel: channels},
	}
}

func (b *Builder) SubscriberDestroy(streamID, subscriberID string) *Message {
	return &Message{Method: MethodDelete, URI: SubscriberURI(b.APIKey, b.SessionID, streamID, subscriberID), Content: struct{}{}}
}

func (b *Builder) SubscriberUpdate(streamID, subscriberID string, attributes map[string]interface{}) *Message {
	return &Message{
		Method:  MethodUpdate,
		URI:     SubscriberURI(b.APIKey, b.SessionID, streamID, subscriberID),
		Content: attributes,
	}
}

func (b *Builder) SubscriberOffer(streamID, subscriberID, sdp string) *Message {
	return &Message{Method: MethodOffer, URI: SubscriberURI(b.APIKey, b.SessionID, streamID, subscriberID), Content: SDPContent{SDP: sdp}}
}

func (b *Builder) SubscriberAnswer(streamID, subscriberID, sdp string) *Message {
	return &Message{Method: MethodAnswer, URI: SubscriberURI(b.APIKey, b.SessionID, streamID, subscriberID), Content: SDPContent{SDP: sdp}}
}

func (b *Builder) SubscriberCandidate(streamID, subscriberID string, candidate CandidateContent) *Message {
	return &Message{Method: MethodCandidate, URI: SubscriberURI(b.APIKey, b.SessionID, streamID, subscriberID), Content: candidate}
}

func (b *Builder) SubscriberChannelUpdate(streamID, subscriberID, channelID string, attributes map[string]interface{}) *Message {
	return &Message{
		Method:  MethodUpdate,
		URI:     SubscriberChannelURI(b.APIKey, b.SessionID, streamID, subscriberID, channelID),
		Content: attributes,
	}
}

// SignalCreate builds a signal. data must already be JSON encoded.
func (b *Builder) SignalCreate(toConnectionID, signalID, signalType, data string) *Message {
	return &Message{
		Method:  MethodSignal,
		URI:     SignalURI(b.APIKey, b.SessionID, toConnectionID, signalID),
		Content: SignalContent{Type: signalType, Data: data},
	}
}
