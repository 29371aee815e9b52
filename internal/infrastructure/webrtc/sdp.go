package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// comfortNoiseCodec is the rtpmap encoding name of RFC 3389 comfort noise.
const comfortNoiseCodec = "CN"

// RemoveComfortNoise strips comfort noise payload types from every audio
// section of an SDP. Some endpoints number CN differently and then fail to
// agree on audio, so it is never negotiated.
func RemoveComfortNoise(raw string) (string, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	changed := false
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		drop := comfortNoisePayloadTypes(media)
		if len(drop) == 0 {
			continue
		}
		changed = true

		formats := media.MediaName.Formats[:0]
		for _, f := range media.MediaName.Formats {
			if !drop[f] {
				formats = append(formats, f)
			}
		}
		media.MediaName.Formats = formats

		attrs := media.Attributes[:0]
		for _, a := range media.Attributes {
			if (a.Key == "rtpmap" || a.Key == "fmtp" || a.Key == "rtcp-fb") && drop[payloadTypeOf(a.Value)] {
				continue
			}
			attrs = append(attrs, a)
		}
		media.Attributes = attrs
	}

	if !changed {
		return raw, nil
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode sdp: %w", err)
	}
	return string(out), nil
}

func comfortNoisePayloadTypes(media *sdp.MediaDescription) map[string]bool {
	drop := make(map[string]bool)
	for _, a := range media.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		// a=rtpmap:<pt> <encoding>/<clock>[/<channels>]
		fields := strings.Fields(a.Value)
		if len(fields) < 2 {
			continue
		}
		encoding := strings.SplitN(fields[1], "/", 2)[0]
		if strings.EqualFold(encoding, comfortNoiseCodec) {
			drop[fields[0]] = true
		}
	}
	return drop
}

func payloadTypeOf(value string) string {
	if i := strings.IndexByte(value, ' '); i >= 0 {
		return value[:i]
	}
	return value
}
