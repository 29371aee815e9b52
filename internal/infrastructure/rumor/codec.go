package rumor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrFrameTooShort    = errors.New("rumor: frame too short")
	ErrLengthMismatch   = errors.New("rumor: length prefix does not match frame size")
	ErrFieldOverrun     = errors.New("rumor: field runs past end of frame")
	ErrTooManyAddresses = errors.New("rumor: more than 255 addresses")
	ErrTooManyHeaders   = errors.New("rumor: more than 255 headers")
	ErrFieldTooLong     = errors.New("rumor: string field longer than 65535 bytes")
	ErrFrameTooLarge    = errors.New("rumor: frame exceeds 4GiB")
	ErrReservedNotZero  = errors.New("rumor: reserved bytes are not zero")
)

const (
	lengthPrefixSize = 4
	reservedSize     = 2
	// reserved(2) + type(1) + address count(1) + header count(1)
	minBodySize = reservedSize + 3
)

// Encode serialises a frame:
//
//	u32 length | u16 reserved | u8 type | u8 n | n × (u16 len, bytes) |
//	u8 m | m × (u16 klen, key, u16 vlen, value) | payload
//
// Header keys are written in sorted order so encoding is deterministic.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Addresses) > math.MaxUint8 {
		return nil, ErrTooManyAddresses
	}
	if len(f.Headers) > math.MaxUint8 {
		return nil, ErrTooManyHeaders
	}

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	size := minBodySize + len(f.Payload)
	for _, addr := range f.Addresses {
		if len(addr) > math.MaxUint16 {
			return nil, ErrFieldTooLong
		}
		size += 2 + len(addr)
	}
	for _, k := range keys {
		v := f.Headers[k]
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return nil, ErrFieldTooLong
		}
		size += 4 + len(k) + len(v)
	}
	if uint64(size) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, lengthPrefixSize+size)
	offset := 0

	binary.BigEndian.PutUint32(buf[offset:], uint32(size))
	offset += lengthPrefixSize

	// reserved, left zero
	offset += reservedSize

	buf[offset] = byte(f.Type)
	offset++

	buf[offset] = byte(len(f.Addresses))
	offset++
	for _, addr := range f.Addresses {
		offset = putString(buf, offset, addr)
	}

	buf[offset] = byte(len(keys))
	offset++
	for _, k := range keys {
		offset = putString(buf, offset, k)
		offset = putString(buf, offset, f.Headers[k])
	}

	copy(buf[offset:], f.Payload)
	return buf, nil
}

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(s)))
	offset += 2
	return offset + copy(buf[offset:], s)
}

// Decode is the exact inverse of Encode. Any length or count that points
// past the end of data is rejected.
func Decode(data []byte) (*Frame, error) {
	if len(data) < lengthPrefixSize+minBodySize {
		return nil, ErrFrameTooShort
	}

	length := binary.BigEndian.Uint32(data)
	if uint64(length) != uint64(len(data)-lengthPrefixSize) {
		return nil, fmt.Errorf("%w: prefix %d, body %d", ErrLengthMismatch, length, len(data)-lengthPrefixSize)
	}

	r := reader{buf: data, offset: lengthPrefixSize}

	reserved, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if reserved != 0 {
		return nil, ErrReservedNotZero
	}

	typ, err := r.byte()
	if err != nil {
		return nil, err
	}

	f := &Frame{Type: MessageType(typ), Headers: map[string]string{}}

	addrCount, err := r.byte()
	if err != nil {
		return nil, err
	}
	f.Addresses = make([]string, 0, addrCount)
	for i := 0; i < int(addrCount); i++ {
		addr, err := r.string()
		if err != nil {
			return nil, fmt.Errorf("address %d: %w", i, err)
		}
		f.Addresses = append(f.Addresses, addr)
	}

	headerCount, err := r.byte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(headerCount); i++ {
		key, err := r.string()
		if err != nil {
			return nil, fmt.Errorf("header %d key: %w", i, err)
		}
		value, err := r.string()
		if err != nil {
			return nil, fmt.Errorf("header %q value: %w", key, err)
		}
		f.Headers[key] = value
	}

	f.Payload = append([]byte{}, data[r.offset:]...)
	return f, nil
}

type reader struct {
	buf    []byte
	offset int
}

func (r *reader) byte() (byte, error) {
	if r.offset+1 > len(r.buf) {
		return 0, ErrFieldOverrun
	}
	b := r.buf[r.offset]
	r.offset++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.offset+2 > len(r.buf) {
		return 0, ErrFieldOverrun
	}
	v := binary.BigEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if r.offset+int(n) > len(r.buf) {
		return "", ErrFieldOverrun
	}
	s := string(r.buf[r.offset : r.offset+int(n)])
	r.offset += int(n)
	return s, nil
}
