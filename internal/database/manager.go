package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	dbconfig "liveclass/pkg/database"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var _ interfaces.DatabaseManager = (*Manager)(nil)

// Manager implements interfaces.DatabaseManager on SQLite. Reads go
// straight to the pool; every write is funneled through one goroutine.
type Manager struct {
	db           *sqlx.DB
	log          *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	writeTimeout time.Duration
	retryDelay   time.Duration
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sqlx.DB) error
	result    chan error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithWriteTimeout bounds how long a write may wait for the writer.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// WithRetryDelay sets the pause before retrying a busy write.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager opens the SQLite file and applies the connection pragmas.
func NewManager(cfg *dbconfig.Config, log *zap.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sqlx.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	return NewManagerWithDB(db, log, opts...), nil
}

// NewManagerWithDB wraps an already opened handle.
func NewManagerWithDB(db *sqlx.DB, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		db:           db,
		log:          logger.OrNop(log).Named("database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		writeTimeout: 30 * time.Second,
		retryDelay:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.writeLoop()
	return m
}

// GetDB exposes the raw handle for migrations.
func (m *Manager) GetDB() *sql.DB {
	return m.db.DB
}

// writeLoop processes all write operations in a single goroutine. A
// write that hits a locked database is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if isBusy(err) {
				m.log.Warn("database busy, retrying write", zap.Duration("delay", m.retryDelay), zap.Error(err))
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
				if err != nil {
					m.log.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// sessionRow carries the roster as JSON text.
type sessionRow struct {
	ID                string              `db:"id"`
	Title             string              `db:"title"`
	Subject           string              `db:"subject"`
	TeacherID         string              `db:"teacher_id"`
	TeacherName       string              `db:"teacher_name"`
	Status            types.SessionStatus `db:"status"`
	IsRecording       bool                `db:"is_recording"`
	IsBroadcastActive bool                `db:"is_broadcast_active"`
	StudentIDs        string              `db:"student_ids"`
	CreatedAt         time.Time           `db:"created_at"`
	StartTime         *time.Time          `db:"start_time"`
	EndTime           *time.Time          `db:"end_time"`
}

func toRow(s *types.Session) (*sessionRow, error) {
	roster := s.StudentIDs
	if roster == nil {
		roster = []string{}
	}
	raw, err := json.Marshal(roster)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal student IDs: %w", err)
	}
	return &sessionRow{
		ID:                s.ID,
		Title:             s.Title,
		Subject:           s.Subject,
		TeacherID:         s.TeacherID,
		TeacherName:       s.TeacherName,
		Status:            s.Status,
		IsRecording:       s.IsRecording,
		IsBroadcastActive: s.IsBroadcastActive,
		StudentIDs:        string(raw),
		CreatedAt:         s.CreatedAt.UTC(),
		StartTime:         utcPtr(s.StartTime),
		EndTime:           utcPtr(s.EndTime),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r *sessionRow) toSession() (*types.Session, error) {
	s := &types.Session{
		ID:                r.ID,
		Title:             r.Title,
		Subject:           r.Subject,
		TeacherID:         r.TeacherID,
		TeacherName:       r.TeacherName,
		Status:            r.Status,
		IsRecording:       r.IsRecording,
		IsBroadcastActive: r.IsBroadcastActive,
		CreatedAt:         r.CreatedAt,
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
	}
	if r.StudentIDs != "" {
		if err := json.Unmarshal([]byte(r.StudentIDs), &s.StudentIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal student IDs: %w", err)
		}
	}
	if len(s.StudentIDs) == 0 {
		s.StudentIDs = nil
	}
	return s, nil
}

const sessionColumns = `id, title, subject, teacher_id, teacher_name, status, is_recording,
	is_broadcast_active, student_ids, created_at, start_time, end_time`

// CreateSession creates a new session in the database
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	row, err := toRow(session)
	if err != nil {
		return err
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (:id, :title, :subject, :teacher_id, :teacher_name, :status, :is_recording,
				:is_broadcast_active, :student_ids, :created_at, :start_time, :end_time)`, row)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var row sessionRow
	err := m.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return row.toSession()
}

// UpdateSession rewrites the mutable columns of a session.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	row, err := toRow(session)
	if err != nil {
		return err
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		res, err := db.NamedExecContext(ctx, `
			UPDATE sessions SET
				title = :title,
				subject = :subject,
				teacher_name = :teacher_name,
				status = :status,
				is_recording = :is_recording,
				is_broadcast_active = :is_broadcast_active,
				student_ids = :student_ids,
				start_time = :start_time,
				end_time = :end_time
			WHERE id = :id`, row)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check updated rows: %w", err)
		}
		if n == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// ListActiveSessions returns all active sessions from the database
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	var rows []sessionRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at`, types.SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}

	sessions := make([]*types.Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// SaveNotebookPage upserts the snapshot. An older snapshot arriving late
// never replaces a newer one.
func (m *Manager) SaveNotebookPage(ctx context.Context, page *types.NotebookPage) error {
	row := *page
	row.Timestamp = row.Timestamp.UTC()
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO notebook_pages (session_id, student_id, page_number, id, canvas_data, updated_at)
			VALUES (:session_id, :student_id, :page_number, :id, :canvas_data, :updated_at)
			ON CONFLICT (session_id, student_id, page_number) DO UPDATE SET
				id = excluded.id,
				canvas_data = excluded.canvas_data,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at >= notebook_pages.updated_at`, &row)
		if err != nil {
			return fmt.Errorf("failed to save notebook page: %w", err)
		}
		return nil
	})
}

// GetNotebookPage returns the latest snapshot of one page.
func (m *Manager) GetNotebookPage(ctx context.Context, sessionID, studentID string, pageNumber int) (*types.NotebookPage, error) {
	var page types.NotebookPage
	err := m.db.GetContext(ctx, &page, `
		SELECT id, student_id, session_id, page_number, canvas_data, updated_at
		FROM notebook_pages
		WHERE session_id = ? AND student_id = ? AND page_number = ?`,
		sessionID, studentID, pageNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query notebook page: %w", err)
	}
	return &page, nil
}

// AppendViolations inserts violations by id, ignoring ones already
// stored, and reports how many rows were new.
func (m *Manager) AppendViolations(ctx context.Context, sessionID string, violations []types.Violation) (int, error) {
	if len(violations) == 0 {
		return 0, nil
	}

	var added int
	err := m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		added = 0
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PreparexContext(ctx, `
			INSERT OR IGNORE INTO violations (id, session_id, student_id, type, occurred_at)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare violation insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, v := range violations {
			res, err := stmt.ExecContext(ctx, v.ID, sessionID, v.StudentID, v.Type, v.Timestamp.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert violation %s: %w", v.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check inserted rows: %w", err)
			}
			added += int(n)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// ListViolations returns the log in detection order. An empty studentID
// lists the whole session.
func (m *Manager) ListViolations(ctx context.Context, sessionID, studentID string) ([]types.Violation, error) {
	query := `SELECT id, session_id, student_id, type, occurred_at FROM violations WHERE session_id = ?`
	args := []interface{}{sessionID}
	if studentID != "" {
		query += ` AND student_id = ?`
		args = append(args, studentID)
	}
	query += ` ORDER BY occurred_at, id`

	violations := []types.Violation{}
	if err := m.db.SelectContext(ctx, &violations, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	return violations, nil
}

// HealthCheck verifies database connectivity and basic operations
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var one int
	if err := m.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.shutdown)
	m.mu.Unlock()

	m.wg.Wait()
	return m.db.Close()
}
