package domain

import "errors"

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrArchiveNotFound    = errors.New("archive not found")
	ErrUnknownSender      = errors.New("sender is neither a known connection nor the server")
)
