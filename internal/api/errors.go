package api

import (
	"errors"
	"net/http"

	"liveclass/internal/session"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// Error is an HTTP-aware API error.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func wrap(err error, base *Error, message string) *Error {
	e := *base
	e.Err = err
	if message != "" {
		e.Message = message
	}
	return &e
}

var (
	ErrValidation      = newError("validation_error", http.StatusBadRequest, "validation failed")
	ErrNotFound        = newError("not_found", http.StatusNotFound, "resource not found")
	ErrSessionNotFound = newError("session_not_found", http.StatusNotFound, "session not found")
	ErrConflict        = newError("conflict", http.StatusConflict, "conflict")
	ErrInternal        = newError("internal_error", http.StatusInternalServerError, "internal server error")
)

// fromError maps domain errors onto API errors.
func fromError(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return wrap(err, ErrSessionNotFound, "")
	case errors.Is(err, interfaces.ErrNotFound):
		return wrap(err, ErrNotFound, "")
	case errors.Is(err, session.ErrSessionAlreadyEnded),
		errors.Is(err, session.ErrSessionAlreadyOpen),
		errors.Is(err, session.ErrSessionEnded):
		return wrap(err, ErrConflict, err.Error())
	case errors.Is(err, types.ErrInvalidSessionTitle),
		errors.Is(err, types.ErrInvalidTeacherID),
		errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrInvalidPayload):
		return wrap(err, ErrValidation, err.Error())
	default:
		return wrap(err, ErrInternal, "")
	}
}
