package session

import "errors"

var (
	ErrSessionEnded        = errors.New("session has ended")
	ErrSessionAlreadyEnded = errors.New("session is already ended")
	ErrSessionAlreadyOpen  = errors.New("session is already active")
	ErrInvalidRole         = errors.New("invalid role: must be 'teacher' or 'student'")
)
