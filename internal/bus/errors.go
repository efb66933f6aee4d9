package bus

import "errors"

var (
	ErrBusAlreadyRunning  = errors.New("bus is already running")
	ErrMalformedFrame     = errors.New("malformed bus frame")
	ErrSubscriptionClosed = errors.New("bus subscription closed")
)
