package raptor

import (
	"strings"
)

// Version is the protocol version segment of every URI.
const Version = "v2"

// Resource names produced by the parser.
const (
	ResourceSession           = "session"
	ResourceConnection        = "connection"
	ResourceStream            = "stream"
	ResourceStreamChannel     = "stream_channel"
	ResourceSubscriber        = "subscriber"
	ResourceSubscriberChannel = "subscriber_channel"
	ResourceSignal            = "signal"
	ResourceArchive           = "archive"
)

// SessionURI is the root of every resource in one session.
func SessionURI(apiKey, sessionID string) string {
	return "/" + Version + "/partner/" + apiKey + "/session/" + sessionID
}

func ConnectionURI(apiKey, sessionID, connectionID string) string {
	return SessionURI(apiKey, sessionID) + "/connection/" + connectionID
}

func StreamURI(apiKey, sessionID, streamID string) string {
	return SessionURI(apiKey, sessionID) + "/stream/" + streamID
}

func StreamChannelURI(apiKey, sessionID, streamID, channelID string) string {
	return StreamURI(apiKey, sessionID, streamID) + "/channel/" + channelID
}

func SubscriberURI(apiKey, sessionID, streamID, subscriberID string) string {
	return StreamURI(apiKey, sessionID, streamID) + "/subscriber/" + subscriberID
}

func SubscriberChannelURI(apiKey, sessionID, streamID, subscriberID, channelID string) string {
	return SubscriberURI(apiKey, sessionID, streamID, subscriberID) + "/channel/" + channelID
}

// SignalURI addresses a signal to the whole session, or to one connection
// when toConnectionID is set.
func SignalURI(apiKey, sessionID, toConnectionID, signalID string) string {
	if toConnectionID != "" {
		return ConnectionURI(apiKey, sessionID, toConnectionID) + "/signal/" + signalID
	}
	return SessionURI(apiKey, sessionID) + "/signal/" + signalID
}

func ArchiveURI(apiKey, sessionID, archiveID string) string {
	return SessionURI(apiKey, sessionID) + "/archive/" + archiveID
}

// splitURI returns the type/id segments of uri that follow the version
// segment. A trailing slash does not add an empty segment.
func splitURI(uri string) []string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	uri = strings.TrimSuffix(strings.TrimPrefix(uri, "/"), "/")
	bits := strings.Split(uri, "/")
	if len(bits) < 2 {
		return nil
	}
	return bits[1:]
}

// resourceName picks the routing resource out of the path segments of a URI.
//
// The last type/id pair names the resource. Channels nest under either a
// stream or a subscriber, so a channel pair at least three pairs deep is
// qualified with the type two pairs up ("stream_channel",
// "subscriber_channel"). A trailing type without an id names a collection.
func resourceName(path []string) string {
	n := len(path)
	if n == 0 {
		return ""
	}
	if n%2 == 0 {
		if n > 4 && path[n-2] == "channel" {
			return path[n-4] + "_channel"
		}
		return path[n-2]
	}
	if n > 3 && path[n-1] == "channel" {
		return path[n-3] + "_channel"
	}
	return path[n-1]
}

// parseParams walks the path segments in type/id pairs.
func parseParams(path []string) map[string]string {
	params := make(map[string]string)
	for i := 0; i < len(path); i += 2 {
		key := path[i]
		if key == "" {
			continue
		}
		value := ""
		if i+1 < len(path) {
			value = path[i+1]
		}
		params[key] = value
	}
	return params
}
