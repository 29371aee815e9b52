package raptor

import (
	"encoding/json"
	"errors"
	"fmt"

	"rtcsession/internal/infrastructure/rumor"
)

var (
	ErrMalformedEnvelope = errors.New("raptor: malformed envelope")
	ErrMissingURI        = errors.New("raptor: envelope has no uri")
)

// Envelope is a parsed inbound Raptor message.
type Envelope struct {
	Method  string          `json:"method"`
	URI     string          `json:"uri"`
	Content json.RawMessage `json:"content,omitempty"`

	TransactionID string `json:"-"`
	Status        string `json:"-"`
	FromAddress   string `json:"-"`

	Resource string            `json:"-"`
	Params   map[string]string `json:"-"`
}

// Signature identifies the dispatch route: resource#method.
func (e *Envelope) Signature() string {
	return e.Resource + "#" + e.Method
}

// Param returns one URI parameter, such as the stream id.
func (e *Envelope) Param(name string) string {
	return e.Params[name]
}

// DecodeContent unmarshals the content into v.
func (e *Envelope) DecodeContent(v interface{}) error {
	if len(e.Content) == 0 || string(e.Content) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("%w: content of %s: %v", ErrMalformedEnvelope, e.Signature(), err)
	}
	return nil
}

// Deserialize parses a Raptor JSON payload and derives resource and params.
func Deserialize(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.URI == "" {
		return nil, ErrMissingURI
	}
	bits := splitURI(env.URI)
	env.Resource = resourceName(bits)
	env.Params = parseParams(bits)
	return env, nil
}

// UnboxFrame deserializes a frame payload and attaches the transaction id,
// status and sender address from the frame headers.
func UnboxFrame(f *rumor.Frame) (*Envelope, error) {
	env, err := Deserialize(f.Payload)
	if err != nil {
		return nil, err
	}
	env.TransactionID = f.TransactionID()
	env.Status = f.Status()
	env.FromAddress = f.FromAddress()
	return env, nil
}
