package rumor

import "fmt"

// MessageType is the one-byte frame type on the wire.
type MessageType uint8

const (
	TypeSubscribe   MessageType = 0
	TypeUnsubscribe MessageType = 1
	TypeMessage     MessageType = 2
	TypeConnect     MessageType = 3
	TypeDisconnect  MessageType = 4
	TypePing        MessageType = 7
	TypePong        MessageType = 8
	TypeStatus      MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	case TypeMessage:
		return "MESSAGE"
	case TypeConnect:
		return "CONNECT"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Header names used on the transport.
const (
	HeaderTokenAuth     = "X-TB-TOKEN-AUTH"
	HeaderTransactionID = "TRANSACTION-ID"
	HeaderFromAddress   = "X-TB-FROM-ADDRESS"
	HeaderContentType   = "Content-Type"
	HeaderStatus        = "STATUS"
	HeaderUniqueID      = "uniqueId"
	HeaderNotifyAddress = "notifyDisconnectAddress"

	ContentTypeRaptor = "application/x-raptor+v2"
)

// Frame is one decoded Rumor message.
type Frame struct {
	Type      MessageType
	Addresses []string
	Headers   map[string]string
	Payload   []byte
}

// NewMessage builds a MESSAGE frame addressed to the given topics.
func NewMessage(addresses []string, headers map[string]string, payload []byte) *Frame {
	return &Frame{
		Type:      TypeMessage,
		Addresses: addresses,
		Headers:   copyHeaders(headers),
		Payload:   payload,
	}
}

// NewConnect builds the CONNECT frame sent as soon as the socket opens.
func NewConnect(uniqueID, notifyDisconnectAddress string) *Frame {
	headers := map[string]string{HeaderUniqueID: uniqueID}
	if notifyDisconnectAddress != "" {
		headers[HeaderNotifyAddress] = notifyDisconnectAddress
	}
	return &Frame{Type: TypeConnect, Headers: headers}
}

func NewSubscribe(topics []string) *Frame {
	return &Frame{Type: TypeSubscribe, Addresses: topics, Headers: map[string]string{}}
}

func NewUnsubscribe(topics []string) *Frame {
	return &Frame{Type: TypeUnsubscribe, Addresses: topics, Headers: map[string]string{}}
}

func NewDisconnect() *Frame {
	return &Frame{Type: TypeDisconnect, Headers: map[string]string{}}
}

func NewPing() *Frame {
	return &Frame{Type: TypePing, Headers: map[string]string{}}
}

func NewPong() *Frame {
	return &Frame{Type: TypePong, Headers: map[string]string{}}
}

// NewStatus builds a STATUS reply correlated to a transaction.
func NewStatus(addresses []string, transactionID string, status int, payload []byte) *Frame {
	return &Frame{
		Type:      TypeStatus,
		Addresses: addresses,
		Headers: map[string]string{
			HeaderTransactionID: transactionID,
			HeaderStatus:        fmt.Sprintf("%d", status),
		},
		Payload: payload,
	}
}

// TransactionID returns the correlation id, if any.
func (f *Frame) TransactionID() string {
	return f.Headers[HeaderTransactionID]
}

// FromAddress returns the transport id of the sender, if any.
func (f *Frame) FromAddress() string {
	return f.Headers[HeaderFromAddress]
}

// Status returns the STATUS header verbatim.
func (f *Frame) Status() string {
	return f.Headers[HeaderStatus]
}

// IsError reports whether a STATUS frame carries a non-2xx status.
// A missing status counts as an error.
func (f *Frame) IsError() bool {
	status := f.Status()
	return status == "" || status[0] != '2'
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
