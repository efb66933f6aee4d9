package interfaces

import (
	"context"

	"liveclass/pkg/types"
)

// DatabaseManager is the relay's persistence boundary.
type DatabaseManager interface {
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	UpdateSession(ctx context.Context, session *types.Session) error
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)

	// SaveNotebookPage keeps only the latest snapshot per
	// (student, session, page).
	SaveNotebookPage(ctx context.Context, page *types.NotebookPage) error
	GetNotebookPage(ctx context.Context, sessionID, studentID string, pageNumber int) (*types.NotebookPage, error)

	// AppendViolations records violations not seen before and returns how
	// many were new. Existing rows are never modified.
	AppendViolations(ctx context.Context, sessionID string, violations []types.Violation) (int, error)
	ListViolations(ctx context.Context, sessionID, studentID string) ([]types.Violation, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
