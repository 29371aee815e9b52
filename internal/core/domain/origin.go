package domain

import "strings"

// ServerAddressPrefix marks transport addresses owned by the media server.
const ServerAddressPrefix = "symphony."

// ConnectionOrigin is the sender of an inbound negotiation message: either
// a peer connection in the session or the media server.
type ConnectionOrigin interface {
	// ConnectionID is the id used to key per-sender state.
	ConnectionID() string
	isOrigin()
}

// PeerOrigin is a message from another participant.
type PeerOrigin struct {
	Connection *Connection
}

func (o PeerOrigin) ConnectionID() string { return o.Connection.ID }
func (PeerOrigin) isOrigin()              {}

// ServerOrigin is a message from the media server.
type ServerOrigin struct {
	Address string
}

func (o ServerOrigin) ConnectionID() string { return o.Address }
func (ServerOrigin) isOrigin()              {}

// IsServerAddress reports whether a transport address belongs to the server.
func IsServerAddress(address string) bool {
	return strings.HasPrefix(address, ServerAddressPrefix)
}

// ResolveOrigin maps a sender address to an origin. Known connections win;
// otherwise server addresses become ServerOrigin.
func ResolveOrigin(fromAddress string, lookup func(id string) (*Connection, bool)) (ConnectionOrigin, error) {
	if lookup != nil {
		if conn, ok := lookup(fromAddress); ok {
			return PeerOrigin{Connection: conn}, nil
		}
	}
	if IsServerAddress(fromAddress) {
		return ServerOrigin{Address: fromAddress}, nil
	}
	return nil, ErrUnknownSender
}
