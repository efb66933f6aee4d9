package router

import (
	"errors"

	"liveclass/internal/websocket"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var (
	ErrUnauthorizedEvent     = errors.New("user not authorized to send this event")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrSenderNotConnected    = errors.New("sender not connected")
	ErrSenderNotInSession    = errors.New("sender not in session")
	ErrNotJoined             = errors.New("join-session required first")
	ErrIdentityMismatch      = errors.New("payload identity does not match sender")
	ErrSessionMismatch       = errors.New("payload session does not match connection")
	ErrRecipientNotFound     = errors.New("recipient not found")
	ErrRecipientNotInSession = errors.New("recipient not in same session")
	ErrPersistFailed         = errors.New("failed to persist event")
)

// Codes carried in system notices.
const (
	CodeInvalidPayload    = "invalid_payload"
	CodeUnknownEvent      = "unknown_event"
	CodeForbidden         = "forbidden"
	CodeRateLimited       = "rate_limited"
	CodeNotJoined         = "not_joined"
	CodeIdentityMismatch  = "identity_mismatch"
	CodeRecipientNotFound = "recipient_not_found"
	CodeSessionClosed     = "session_closed"
	CodeNotMember         = "not_member"
	CodePersistFailed     = "persist_failed"
	CodeInternal          = "internal"
)

// ErrorCode maps a routing error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrUnknownEvent):
		return CodeUnknownEvent
	case errors.Is(err, types.ErrInvalidPayload), errors.Is(err, types.ErrMissingPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrUnauthorizedEvent):
		return CodeForbidden
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimited
	case errors.Is(err, ErrNotJoined), errors.Is(err, ErrSenderNotConnected), errors.Is(err, ErrSenderNotInSession):
		return CodeNotJoined
	case errors.Is(err, ErrIdentityMismatch), errors.Is(err, ErrSessionMismatch), errors.Is(err, websocket.ErrIdentityMismatch):
		return CodeIdentityMismatch
	case errors.Is(err, ErrRecipientNotFound), errors.Is(err, ErrRecipientNotInSession):
		return CodeRecipientNotFound
	case errors.Is(err, interfaces.ErrSessionNotFound), errors.Is(err, interfaces.ErrSessionNotOpen):
		return CodeSessionClosed
	case errors.Is(err, interfaces.ErrUnauthorized):
		return CodeNotMember
	case errors.Is(err, ErrPersistFailed):
		return CodePersistFailed
	default:
		return CodeInternal
	}
}
