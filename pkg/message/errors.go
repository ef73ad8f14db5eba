package message

import "errors"

var (
	ErrMessageTooShort    = errors.New("message: data too short")
	ErrPayloadTooShort    = errors.New("message: payload too short for protocol header")
	ErrInvalidVersion     = errors.New("message: unsupported message version")
	ErrInvalidSessionType = errors.New("message: reserved session type")
	ErrInvalidDestination = errors.New("message: invalid destination")
	ErrMissingSource      = errors.New("message: group message without source node id")
	ErrPrivacyUnsupported = errors.New("message: privacy obfuscated headers are not supported")
	ErrCounterExhausted   = errors.New("message: message counter exhausted")
)
