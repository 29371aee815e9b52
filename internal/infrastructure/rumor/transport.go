package rumor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket is the subset of *websocket.Conn the socket needs. Only one
// goroutine calls WriteMessage at a time; WriteControl and Close may be
// called concurrently with everything else.
type WebSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens WebSocket connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (WebSocket, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewGorillaDialer returns a dialer using websocket.DefaultDialer settings.
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{Dialer: websocket.DefaultDialer}
}

func (d *GorillaDialer) Dial(ctx context.Context, url string) (WebSocket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}
