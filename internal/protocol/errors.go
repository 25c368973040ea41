package protocol

import "errors"

// ErrProtocolViolation is the root of all errors that are fatal to a connection.
var ErrProtocolViolation = errors.New("protocol violation")

// Protocol violation kinds. Each wraps ErrProtocolViolation.
var (
	ErrBadSignature      = violation("signature mismatch")
	ErrReplayedNonce     = violation("replayed nonce")
	ErrUnexpectedMessage = violation("unexpected message kind")
	ErrMalformedMessage  = violation("malformed message")
)

type violationError struct {
	msg string
}

func violation(msg string) error {
	return &violationError{msg: msg}
}

func (e *violationError) Error() string {
	return e.msg
}

func (e *violationError) Unwrap() error {
	return ErrProtocolViolation
}
