package protocol

import "errors"

var (
	ErrHeader           = errors.New("protocol: invalid header")
	ErrBody             = errors.New("protocol: invalid body")
	ErrMessageTypeWrong = errors.New("protocol: message type mismatch")
)
