package types

import "errors"

var (
	ErrInvalidUserID       = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidSessionTitle = errors.New("session title must be 1-200 characters")
	ErrInvalidTeacherID    = errors.New("teacher ID must be a valid user ID")
	ErrUnknownEvent        = errors.New("unknown event")
	ErrUnexpectedEvent     = errors.New("unexpected event payload")
	ErrMissingPayload      = errors.New("event payload missing")
	ErrInvalidPayload      = errors.New("invalid event payload")
)
