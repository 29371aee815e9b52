package raptor

import (
	"rtcsession/internal/core/domain"
	"rtcsession/pkg/utils"
)

// ConnectionInfo is the wire form of a connection.
type ConnectionInfo struct {
	ID           string   `json:"id"`
	CreationTime int64    `json:"creationTime"`
	Data         string   `json:"data,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
}

// ConnectionRef points at a connection by id.
type ConnectionRef struct {
	ID string `json:"id"`
}

// StreamInfo is the wire form of a stream.
type StreamInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	CreationTime int64         `json:"creationTime"`
	Connection   ConnectionRef `json:"connection"`
	Channel      []ChannelInfo `json:"channel"`
}

// ArchiveInfo is the wire form of an archive.
type ArchiveInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// SessionSnapshot is the content of a session read reply.
type SessionSnapshot struct {
	ID         string           `json:"id"`
	Connection []ConnectionInfo `json:"connection"`
	Stream     []StreamInfo     `json:"stream"`
	Archive    []ArchiveInfo    `json:"archive"`
}

// DeletedContent is the body of a connection or stream deletion.
type DeletedContent struct {
	Reason string `json:"reason,omitempty"`
}

// StatusContent is the optional JSON body of a STATUS frame.
type StatusContent struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ToDomain converts the wire connection.
func (c ConnectionInfo) ToDomain() *domain.Connection {
	conn := &domain.Connection{
		ID:           c.ID,
		CreationTime: utils.FromMillis(c.CreationTime),
		Data:         c.Data,
	}
	if c.Permissions != nil {
		conn.Permissions = make([]domain.Permission, 0, len(c.Permissions))
		for _, p := range c.Permissions {
			conn.Permissions = append(conn.Permissions, domain.Permission(p))
		}
	}
	return conn
}

// FromConnection is the inverse of ToDomain.
func FromConnection(c *domain.Connection) ConnectionInfo {
	info := ConnectionInfo{ID: c.ID, Data: c.Data}
	if !c.CreationTime.IsZero() {
		info.CreationTime = c.CreationTime.UnixMilli()
	}
	for _, p := range c.Permissions {
		info.Permissions = append(info.Permissions, string(p))
	}
	return info
}

// ToDomain converts the wire stream, linking it to conn.
func (s StreamInfo) ToDomain(conn *domain.Connection) *domain.Stream {
	channels := make([]domain.StreamChannel, 0, len(s.Channel))
	for _, ch := range s.Channel {
		channels = append(channels, ch.ToDomain())
	}
	return domain.NewStream(s.ID, s.Name, utils.FromMillis(s.CreationTime), conn, channels)
}

// ToDomain converts the wire channel.
func (c ChannelInfo) ToDomain() domain.StreamChannel {
	return domain.StreamChannel{
		ID:          c.ID,
		Type:        domain.ChannelType(c.Type),
		Active:      c.Active,
		Orientation: c.Orientation,
		Width:       c.Width,
		Height:      c.Height,
		FrameRate:   c.FrameRate,
		Source:      c.Source,
	}
}

// FromChannel is the inverse of ChannelInfo.ToDomain.
func FromChannel(ch domain.StreamChannel) ChannelInfo {
	return ChannelInfo{
		ID:          ch.ID,
		Type:        string(ch.Type),
		Active:      ch.Active,
		Orientation: ch.Orientation,
		Width:       ch.Width,
		Height:      ch.Height,
		FrameRate:   ch.FrameRate,
		Source:      ch.Source,
	}
}

// FromStream is the inverse of StreamInfo.ToDomain.
func FromStream(s *domain.Stream) StreamInfo {
	info := StreamInfo{
		ID:         s.ID,
		Name:       s.Name,
		Connection: ConnectionRef{ID: s.ConnectionID()},
		Channel:    []ChannelInfo{},
	}
	if !s.CreationTime.IsZero() {
		info.CreationTime = s.CreationTime.UnixMilli()
	}
	for _, ch := range s.Channels() {
		info.Channel = append(info.Channel, FromChannel(ch))
	}
	return info
}

// ToDomain converts the wire archive.
func (a ArchiveInfo) ToDomain() *domain.Archive {
	return domain.NewArchive(a.ID, a.Name, a.Status)
}
