package protocol

import "errors"

var (
	ErrAuthFailed      = errors.New("protocol: authentication failed")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrMalformed       = errors.New("protocol: malformed record")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrBadKeySize      = errors.New("protocol: bad mission key size")
)
