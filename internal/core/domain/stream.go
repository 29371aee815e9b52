package domain

import (
	"sync"
	"time"
)

// ChannelType is the media kind of a stream channel.
type ChannelType string

const (
	ChannelAudio ChannelType = "audio"
	ChannelVideo ChannelType = "video"
)

// StreamChannel is one media track inside a stream.
type StreamChannel struct {
	ID          string
	Type        ChannelType
	Active      bool
	Orientation int
	Width       int
	Height      int
	FrameRate   float64
	Source      string
}

// Dimensions is a video size.
type Dimensions struct {
	Width  int
	Height int
}

// PropertyChange records one derived stream property that changed.
type PropertyChange struct {
	Property string
	OldValue interface{}
	NewValue interface{}
}

// Derived stream property names.
const (
	PropertyHasAudio        = "hasAudio"
	PropertyHasVideo        = "hasVideo"
	PropertyVideoDimensions = "videoDimensions"
)

// Stream is a published set of channels owned by a connection.
type Stream struct {
	ID           string
	Name         string
	CreationTime time.Time
	Connection   *Connection

	mu       sync.RWMutex
	channels []*StreamChannel
}

// NewStream builds a stream from its channels.
func NewStream(id, name string, created time.Time, conn *Connection, channels []StreamChannel) *Stream {
	s := &Stream{ID: id, Name: name, CreationTime: created, Connection: conn}
	for i := range channels {
		ch := channels[i]
		s.channels = append(s.channels, &ch)
	}
	return s
}

// Key implements Entity.
func (s *Stream) Key() string { return s.ID }

// ConnectionID returns the owning connection id, or "" when unknown.
func (s *Stream) ConnectionID() string {
	if s.Connection == nil {
		return ""
	}
	return s.Connection.ID
}

// Channels returns a copy of every channel.
func (s *Stream) Channels() []StreamChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StreamChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, *ch)
	}
	return out
}

// Channel returns a copy of the channel with the given id.
func (s *Stream) Channel(id string) (StreamChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.ID == id {
			return *ch, true
		}
	}
	return StreamChannel{}, false
}

// ChannelOfType returns the first channel of the given type.
func (s *Stream) ChannelOfType(t ChannelType) (StreamChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.Type == t {
			return *ch, true
		}
	}
	return StreamChannel{}, false
}

// HasAudio is true when any audio channel is active.
func (s *Stream) HasAudio() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasActive(ChannelAudio)
}

// HasVideo is true when any video channel is active.
func (s *Stream) HasVideo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasActive(ChannelVideo)
}

// VideoDimensions is the size of the first video channel.
func (s *Stream) VideoDimensions() Dimensions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoDimensions()
}

func (s *Stream) hasActive(t ChannelType) bool {
	for _, ch := range s.channels {
		if ch.Type == t && ch.Active {
			return true
		}
	}
	return false
}

func (s *Stream) videoDimensions() Dimensions {
	for _, ch := range s.channels {
		if ch.Type == ChannelVideo {
			return Dimensions{Width: ch.Width, Height: ch.Height}
		}
	}
	return Dimensions{}
}

// ApplyChannelUpdate applies a key/value delta to one channel and returns
// the derived stream properties that changed as a result.
func (s *Stream) ApplyChannelUpdate(channelID string, delta map[string]interface{}) ([]PropertyChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *StreamChannel
	for _, ch := range s.channels {
		if ch.ID == channelID {
			target = ch
			break
		}
	}
	if target == nil {
		return nil, ErrChannelNotFound
	}

	hadAudio := s.hasActive(ChannelAudio)
	hadVideo := s.hasActive(ChannelVideo)
	oldDims := s.videoDimensions()

	for key, value := range delta {
		switch key {
		case "active":
			if b, ok := value.(bool); ok {
				target.Active = b
			}
		case "width":
			if n, ok := toInt(value); ok {
				target.Width = n
			}
		case "height":
			if n, ok := toInt(value); ok {
				target.Height = n
			}
		case "orientation":
			if n, ok := toInt(value); ok {
				target.Orientation = n
			}
		case "frameRate":
			if n, ok := toFloat(value); ok {
				target.FrameRate = n
			}
		case "source":
			if str, ok := value.(string); ok {
				target.Source = str
			}
		}
	}

	var changes []PropertyChange
	if hasAudio := s.hasActive(ChannelAudio); hasAudio != hadAudio {
		changes = append(changes, PropertyChange{PropertyHasAudio, hadAudio, hasAudio})
	}
	if hasVideo := s.hasActive(ChannelVideo); hasVideo != hadVideo {
		changes = append(changes, PropertyChange{PropertyHasVideo, hadVideo, hasVideo})
	}
	if dims := s.videoDimensions(); dims != oldDims {
		changes = append(changes, PropertyChange{PropertyVideoDimensions, oldDims, dims})
	}
	return changes, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
