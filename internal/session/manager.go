package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var _ interfaces.SessionManager = (*Manager)(nil)

// Manager implements interfaces.SessionManager. Active sessions are
// cached in memory; scheduled and ended ones are read from the store.
type Manager struct {
	dbManager      interfaces.DatabaseManager
	log            *zap.Logger
	activeSessions map[string]*types.Session
	mu             sync.RWMutex
	now            func() time.Time
}

// NewManager creates a new session manager
func NewManager(dbManager interfaces.DatabaseManager, log *zap.Logger) *Manager {
	return &Manager{
		dbManager:      dbManager,
		log:            logger.OrNop(log).Named("session"),
		activeSessions: make(map[string]*types.Session),
		now:            time.Now,
	}
}

// LoadActiveSessions loads all active sessions from database into memory
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	sessions, err := m.dbManager.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	m.mu.Lock()
	m.activeSessions = make(map[string]*types.Session, len(sessions))
	for _, session := range sessions {
		m.activeSessions[session.ID] = session
	}
	m.mu.Unlock()

	m.log.Info("loaded active sessions", zap.Int("count", len(sessions)))
	return nil
}

// CreateSession validates and persists a draft. A draft marked active
// starts right away; anything else is stored as scheduled.
func (m *Manager) CreateSession(ctx context.Context, draft *types.Session) (*types.Session, error) {
	if draft == nil {
		return nil, types.ErrInvalidSessionTitle
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	session := &types.Session{
		ID:          draft.ID,
		Title:       draft.Title,
		Subject:     draft.Subject,
		TeacherID:   draft.TeacherID,
		TeacherName: draft.TeacherName,
		IsRecording: draft.IsRecording,
		StudentIDs:  removeDuplicates(draft.StudentIDs),
		Status:      types.SessionScheduled,
		CreatedAt:   now,
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if draft.Status == types.SessionActive {
		session.Status = types.SessionActive
		session.StartTime = &now
	}

	if err := m.dbManager.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if session.IsOpen() {
		m.mu.Lock()
		m.activeSessions[session.ID] = session
		m.mu.Unlock()
	}

	m.log.Info("created session",
		zap.String("session_id", session.ID),
		zap.String("teacher_id", session.TeacherID),
		zap.String("status", string(session.Status)),
		zap.Int("roster", len(session.StudentIDs)))
	return cloneSession(session), nil
}

// StartSession moves a scheduled session to active.
func (m *Manager) StartSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := m.dbManager.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case types.SessionActive:
		return nil, ErrSessionAlreadyOpen
	case types.SessionEnded:
		return nil, ErrSessionEnded
	}

	now := m.now().UTC()
	session.Status = types.SessionActive
	session.StartTime = &now
	if err := m.dbManager.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	m.mu.Lock()
	m.activeSessions[session.ID] = session
	m.mu.Unlock()

	m.log.Info("started session", zap.String("session_id", session.ID))
	return cloneSession(session), nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	if session, exists := m.activeSessions[sessionID]; exists {
		m.mu.RUnlock()
		return cloneSession(session), nil
	}
	m.mu.RUnlock()

	return m.dbManager.GetSession(ctx, sessionID)
}

// EndSession ends a scheduled or active session
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	session, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == types.SessionEnded {
		return ErrSessionAlreadyEnded
	}

	now := m.now().UTC()
	session.EndTime = &now
	session.Status = types.SessionEnded
	session.IsBroadcastActive = false

	if err := m.dbManager.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	m.mu.Lock()
	delete(m.activeSessions, sessionID)
	m.mu.Unlock()

	m.log.Info("ended session", zap.String("session_id", sessionID))
	return nil
}

// ListActiveSessions returns all active sessions
func (m *Manager) ListActiveSessions(_ context.Context) ([]*types.Session, error) {
	m.mu.RLock()
	sessions := make([]*types.Session, 0, len(m.activeSessions))
	for _, session := range m.activeSessions {
		sessions = append(sessions, cloneSession(session))
	}
	m.mu.RUnlock()

	return sessions, nil
}

// SetBroadcastActive records whether a student is currently broadcasting.
func (m *Manager) SetBroadcastActive(ctx context.Context, sessionID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.activeSessions[sessionID]
	if !exists {
		return interfaces.ErrSessionNotOpen
	}
	if session.IsBroadcastActive == active {
		return nil
	}

	updated := cloneSession(session)
	updated.IsBroadcastActive = active
	if err := m.dbManager.UpdateSession(ctx, updated); err != nil {
		return fmt.Errorf("failed to update broadcast flag: %w", err)
	}
	m.activeSessions[sessionID] = updated
	return nil
}

// ValidateSessionOpen reports whether sockets may attach to the session.
func (m *Manager) ValidateSessionOpen(ctx context.Context, sessionID string) error {
	session, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.IsOpen() {
		return interfaces.ErrSessionNotOpen
	}
	return nil
}

// ValidateSessionMembership checks if user can join session
func (m *Manager) ValidateSessionMembership(ctx context.Context, sessionID, userID string, role types.Role) error {
	session, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.IsOpen() {
		return interfaces.ErrSessionNotOpen
	}

	switch role {
	case types.RoleTeacher:
		if session.TeacherID != userID {
			return interfaces.ErrUnauthorized
		}
		return nil
	case types.RoleStudent:
		if !session.AllowsStudent(userID) {
			return interfaces.ErrUnauthorized
		}
		return nil
	default:
		return ErrInvalidRole
	}
}

// GetStats returns session manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"active_sessions": len(m.activeSessions),
	}
}

// lookup returns a private copy from the cache or the store.
func (m *Manager) lookup(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	session, exists := m.activeSessions[sessionID]
	m.mu.RUnlock()
	if exists {
		return cloneSession(session), nil
	}

	session, err := m.dbManager.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

func cloneSession(s *types.Session) *types.Session {
	c := *s
	if s.StudentIDs != nil {
		c.StudentIDs = append([]string(nil), s.StudentIDs...)
	}
	return &c
}

func removeDuplicates(studentIDs []string) []string {
	if len(studentIDs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(studentIDs))
	unique := make([]string, 0, len(studentIDs))
	for _, id := range studentIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}
