package interfaces

import (
	"context"

	"liveclass/pkg/types"
)

// SessionManager owns the session lifecycle scheduled -> active -> ended.
type SessionManager interface {
	// CreateSession persists a draft. Drafts with Status active start
	// immediately, anything else is scheduled.
	CreateSession(ctx context.Context, draft *types.Session) (*types.Session, error)
	StartSession(ctx context.Context, sessionID string) (*types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	SetBroadcastActive(ctx context.Context, sessionID string, active bool) error

	// ValidateSessionOpen is checked before a socket is upgraded.
	ValidateSessionOpen(ctx context.Context, sessionID string) error

	// ValidateSessionMembership is checked when a join is announced.
	ValidateSessionMembership(ctx context.Context, sessionID, userID string, role types.Role) error
}
