package utils

import (
	"github.com/google/uuid"
)

// NewTransactionID returns a fresh request correlation id.
func NewTransactionID() string {
	return uuid.NewString()
}

// NewConnectionID returns the unique id a client announces on CONNECT.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewStreamID generates a locally chosen stream id.
func NewStreamID() string {
	return uuid.NewString()
}

// NewSubscriberID generates a locally chosen subscriber id.
func NewSubscriberID() string {
	return uuid.NewString()
}

// NewSignalID generates the id placed in a signal URI.
func NewSignalID() string {
	return uuid.NewString()
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
