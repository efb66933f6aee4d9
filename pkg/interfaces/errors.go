package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionNotOpen  = errors.New("session is not active")
	ErrUnauthorized    = errors.New("unauthorized access")
	ErrNotFound        = errors.New("record not found")
)
