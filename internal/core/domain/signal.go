package domain

// Signal is an outbound application message. It only lives for one send.
type Signal struct {
	// To is a connection id; empty broadcasts to the whole session.
	To   string
	Type string
	Data interface{}
}

// SignalEvent is an inbound application message.
type SignalEvent struct {
	Type string
	Data string
	// From is nil when the sender is no longer known.
	From *Connection
}
