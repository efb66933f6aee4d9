package signaling

import "errors"

var (
	ErrConnectInProgress = errors.New("connection already in progress")
	ErrConnectExhausted  = errors.New("max connection attempts reached")
	ErrNotConnected      = errors.New("signaling channel is not connected")
	ErrNotJoined         = errors.New("no session has been joined")
)
