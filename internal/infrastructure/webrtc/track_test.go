package webrtc

import (
	"errors"
	"io"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPackets struct {
	packets []*rtp.Packet
	end     error
}

func (s *scriptedPackets) next() (*rtp.Packet, error) {
	if len(s.packets) == 0 {
		return nil, s.end
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p, nil
}

type recordingRTCP struct {
	sent []rtcp.Packet
}

func (r *recordingRTCP) WriteRTCP(pkts []rtcp.Packet) error {
	r.sent = append(r.sent, pkts...)
	return nil
}

func packet(marker bool, payload ...byte) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Marker: marker}, Payload: payload}
}

func TestTrackReader_CountsFramesAndKeyframes(t *testing.T) {
	src := &scriptedPackets{
		packets: []*rtp.Packet{
			packet(false, 0x90, 0x10, 0x00), // VP8 keyframe start
			packet(true, 0x00, 0x00),
			packet(false, 0x10, 0x00),
			packet(true, 0x00),
			packet(true, 0x65), // H.264 IDR
		},
		end: io.EOF,
	}
	reader := newTrackReader("video", 42, src.next, nil, nil)

	require.NoError(t, reader.Run())
	assert.Equal(t, uint64(5), reader.Packets())
	assert.Equal(t, uint64(3), reader.Frames())
	assert.Equal(t, uint64(2), reader.Keyframes())

	select {
	case <-reader.Done():
	default:
		t.Fatal("done not closed after Run")
	}
}

func TestTrackReader_AudioHasNoKeyframes(t *testing.T) {
	src := &scriptedPackets{packets: []*rtp.Packet{packet(true, 0x65)}, end: errors.New("track closed")}
	reader := newTrackReader("audio", 1, src.next, nil, nil)

	assert.Error(t, reader.Run())
	assert.Equal(t, uint64(1), reader.Frames())
	assert.Zero(t, reader.Keyframes())
}

func TestTrackReader_RequestKeyframe(t *testing.T) {
	writer := &recordingRTCP{}
	video := newTrackReader("video", 42, nil, writer, nil)
	require.NoError(t, video.RequestKeyframe())
	require.Len(t, writer.sent, 1)
	pli, ok := writer.sent[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(42), pli.MediaSSRC)

	audio := newTrackReader("audio", 7, nil, writer, nil)
	require.NoError(t, audio.RequestKeyframe())
	assert.Len(t, writer.sent, 1)

	unbound := newTrackReader("video", 9, nil, nil, nil)
	assert.NoError(t, unbound.RequestKeyframe())
}

func TestFrameCounter(t *testing.T) {
	var counter FrameCounter
	for _, kind := range []string{"video", "video", "audio"} {
		src := &scriptedPackets{packets: []*rtp.Packet{packet(true, 0x00), packet(true, 0x00)}, end: io.EOF}
		r := newTrackReader(kind, 1, src.next, nil, nil)
		require.NoError(t, r.Run())
		counter.Add(r)
	}
	assert.Equal(t, map[string]uint64{"video": 4, "audio": 2}, counter.Counts())
}
