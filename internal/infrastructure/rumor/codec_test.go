package rumor

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "empty lists",
			frame: &Frame{Type: TypePing, Addresses: []string{}, Headers: map[string]string{}, Payload: []byte{}},
		},
		{
			name: "message with headers",
			frame: &Frame{
				Type:      TypeMessage,
				Addresses: []string{"/v2/partner/k/session/S1", "conn-1"},
				Headers: map[string]string{
					HeaderTransactionID: "tx-1",
					HeaderContentType:   ContentTypeRaptor,
					HeaderTokenAuth:     "T1==abc",
				},
				Payload: []byte(`{"method":"read","uri":"/v2/partner/k/session/S1"}`),
			},
		},
		{
			name: "multi-byte utf8",
			frame: &Frame{
				Type:      TypeStatus,
				Addresses: []string{"адрес", "地址"},
				Headers:   map[string]string{"ключ": "値", HeaderStatus: "200"},
				Payload:   []byte("héllo wörld 🎥"),
			},
		},
		{
			name: "max counts",
			frame: func() *Frame {
				f := &Frame{Type: TypeSubscribe, Headers: map[string]string{}, Payload: []byte{}}
				for i := 0; i < 255; i++ {
					f.Addresses = append(f.Addresses, strings.Repeat("a", i))
				}
				return f
			}(),
		},
		{
			name: "max field length",
			frame: &Frame{
				Type:      TypeMessage,
				Addresses: []string{strings.Repeat("x", 65535)},
				Headers:   map[string]string{},
				Payload:   []byte(strings.Repeat("p", 100000)),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame)
			require.NoError(t, err)

			length := binary.BigEndian.Uint32(data)
			assert.Equal(t, uint32(len(data)-4), length)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Addresses, decoded.Addresses)
			assert.Equal(t, tt.frame.Headers, decoded.Headers)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestCodec_Layout(t *testing.T) {
	data, err := Encode(&Frame{
		Type:      TypeMessage,
		Addresses: []string{"ab"},
		Headers:   map[string]string{"k": "v"},
		Payload:   []byte("P"),
	})
	require.NoError(t, err)

	expected := []byte{
		0, 0, 0, 16, // length
		0, 0, // reserved
		2, // MESSAGE
		1, // one address
		0, 2, 'a', 'b',
		1, // one header
		0, 1, 'k',
		0, 1, 'v',
		'P',
	}
	assert.Equal(t, expected, data)
}

func TestCodec_DeterministicHeaderOrder(t *testing.T) {
	f := &Frame{Type: TypeMessage, Headers: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, err := Encode(f)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(f)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCodec_EncodeLimits(t *testing.T) {
	_, err := Encode(&Frame{Addresses: make([]string, 256)})
	assert.ErrorIs(t, err, ErrTooManyAddresses)

	headers := map[string]string{}
	for i := 0; i < 256; i++ {
		headers[strings.Repeat("k", i+1)] = ""
	}
	_, err = Encode(&Frame{Headers: headers})
	assert.ErrorIs(t, err, ErrTooManyHeaders)

	_, err = Encode(&Frame{Addresses: []string{strings.Repeat("x", 65536)}})
	assert.ErrorIs(t, err, ErrFieldTooLong)
}

func TestCodec_DecodeFailsClosed(t *testing.T) {
	valid, err := Encode(&Frame{
		Type:      TypeMessage,
		Addresses: []string{"topic"},
		Headers:   map[string]string{"key": "value"},
	})
	require.NoError(t, err)

	// Every truncation of a frame without payload must be rejected.
	for n := 0; n < len(valid); n++ {
		truncated := append([]byte{}, valid[:n]...)
		if n >= 4 {
			binary.BigEndian.PutUint32(truncated, uint32(n-4))
		}
		_, err := Decode(truncated)
		assert.Error(t, err, "truncated to %d bytes", n)
	}

	t.Run("length mismatch", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		binary.BigEndian.PutUint32(bad, uint32(len(valid)))
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("address length past end", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		binary.BigEndian.PutUint16(bad[8:], 0xFFFF)
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrFieldOverrun)
	})

	t.Run("address count past end", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		bad[7] = 200
		_, err := Decode(bad)
		assert.Error(t, err)
	})

	t.Run("reserved bytes set", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		bad[4] = 1
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrReservedNotZero)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := Decode([]byte{0, 0, 0, 1, 0})
		assert.ErrorIs(t, err, ErrFrameTooShort)
	})
}

func TestFrame_Accessors(t *testing.T) {
	status := NewStatus([]string{"c1"}, "tx-9", 404, nil)
	assert.Equal(t, "tx-9", status.TransactionID())
	assert.Equal(t, "404", status.Status())
	assert.True(t, status.IsError())

	ok := NewStatus(nil, "tx-1", 201, nil)
	assert.False(t, ok.IsError())

	missing := &Frame{Type: TypeStatus, Headers: map[string]string{}}
	assert.True(t, missing.IsError())

	connect := NewConnect("me", "/v2/partner/k/session/S1")
	assert.Equal(t, "me", connect.Headers[HeaderUniqueID])
	assert.Equal(t, "/v2/partner/k/session/S1", connect.Headers[HeaderNotifyAddress])

	msg := NewMessage([]string{"a"}, map[string]string{HeaderFromAddress: "c2"}, nil)
	assert.Equal(t, "c2", msg.FromAddress())
	assert.Equal(t, "MESSAGE", msg.Type.String())
	assert.Equal(t, "UNKNOWN(5)", MessageType(5).String())
}
