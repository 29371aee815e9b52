package rumor

import (
	"errors"
	"fmt"
)

// Close codes beyond the WebSocket standard set.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseAbnormal         = 1006
	CloseConnectivityLoss = 4001
)

var closeReasons = map[int]string{
	1002: "The endpoint is terminating the connection due to a protocol error (CLOSE_PROTOCOL_ERROR)",
	1003: "The connection is being terminated because the endpoint received data of a type it cannot accept (CLOSE_UNSUPPORTED)",
	1004: "The endpoint is terminating the connection because a data frame was received that is too large (CLOSE_TOO_LARGE)",
	1005: "No status code was provided even though one was expected (CLOSE_NO_STATUS)",
	1006: "The connection was closed abnormally, without a close frame (CLOSE_ABNORMAL)",
	1007: "The endpoint received data within a message that was not consistent with the type of the message",
	1008: "The endpoint received a message that violates its policy",
	1009: "The endpoint received a message that is too big for it to process",
	1010: "The client expected the server to negotiate one or more extensions, but the server did not",
	1011: "The server encountered an unexpected condition that prevented it from fulfilling the request",
	4001: "Connectivity loss was detected as it was too long since the socket received the last message",
}

// CloseEvent describes how the socket closed.
type CloseEvent struct {
	Code   int
	Reason string
}

// Normal reports whether the close is an ordinary one.
func (e CloseEvent) Normal() bool {
	return IsNormalClose(e.Code)
}

// Err converts an abnormal close into an error. Normal closes return nil.
func (e CloseEvent) Err() error {
	if e.Normal() {
		return nil
	}
	return &CloseError{Code: e.Code, Reason: e.Reason}
}

// CloseError is the error form of an abnormal close.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("rumor: socket closed with code %d: %s", e.Code, e.Reason)
}

// IsNormalClose reports whether code is 1000 or 1001.
func IsNormalClose(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

// CloseReason returns the human readable text for a close code.
func CloseReason(code int) string {
	if IsNormalClose(code) {
		return ""
	}
	if reason, ok := closeReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("Unknown close code %d", code)
}

// IsConnectivityLoss reports whether err is the missed keep-alive close.
func IsConnectivityLoss(err error) bool {
	var closeErr *CloseError
	return errors.As(err, &closeErr) && closeErr.Code == CloseConnectivityLoss
}
