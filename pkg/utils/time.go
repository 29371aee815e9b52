package utils

import (
	"time"
)

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// Since returns time since given time
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// NowMillis returns the current time as epoch milliseconds, the unit used
// for creation times on the wire.
func NowMillis() int64 {
	return Now().UnixMilli()
}

// FromMillis converts epoch milliseconds to a time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
