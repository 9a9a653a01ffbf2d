package domain

import "errors"

var (
	ErrEmptyRoomID        = errors.New("invalid room ID")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMissingRecipient   = errors.New("missing recipient")
	ErrMissingBody        = errors.New("missing message body")
	ErrLinkNotFound       = errors.New("peer link not found")
	ErrChannelClosed      = errors.New("signal channel closed")
	ErrNotConnected       = errors.New("signal channel not connected")
	ErrSessionActive      = errors.New("session already active")
	ErrNoCaptureDevice    = errors.New("no capture device available")
)
