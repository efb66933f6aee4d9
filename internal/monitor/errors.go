package monitor

import "errors"

var (
	ErrAlreadyActive      = errors.New("monitor already active")
	ErrInvalidParticipant = errors.New("invalid participant id")
)
