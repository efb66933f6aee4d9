package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/metrics"
	"liveclass/internal/websocket"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// Registry is the slice of the connection registry the API reads.
type Registry interface {
	GetSessionConnections(sessionID string) []*websocket.Connection
	ListParticipants(sessionID string) []types.Participant
	GetStats() map[string]int
}

// Server is the REST surface of the relay. It holds no business logic.
type Server struct {
	sessionManager interfaces.SessionManager
	dbManager      interfaces.DatabaseManager
	registry       Registry
	ws             http.Handler
	engine         *gin.Engine
	log            *zap.Logger
	metrics        *metrics.Metrics
	started        time.Time
}

// NewServer wires routes. ws serves the /ws upgrade and may be nil.
func NewServer(sessionManager interfaces.SessionManager, dbManager interfaces.DatabaseManager, registry Registry, ws http.Handler, log *zap.Logger, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sessionManager: sessionManager,
		dbManager:      dbManager,
		registry:       registry,
		ws:             ws,
		engine:         gin.New(),
		log:            logger.OrNop(log).Named("api"),
		metrics:        m,
		started:        time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), logger.GinMiddleware(s.log), s.metrics.GinMiddleware(), corsMiddleware())

	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if s.ws != nil {
		s.engine.GET("/ws", gin.WrapH(s.ws))
	}

	sessions := s.engine.Group("/api/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.getSession)
	sessions.POST("/:id/start", s.startSession)
	sessions.DELETE("/:id", s.endSession)
	sessions.GET("/:id/participants", s.listParticipants)
	sessions.GET("/:id/notebooks/:studentId/pages/:page", s.getNotebookPage)
	sessions.GET("/:id/violations", s.listViolations)
}

// ServeHTTP makes the server usable directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

type CreateSessionRequest struct {
	ID          string   `json:"id" validate:"omitempty,userid"`
	Title       string   `json:"title" validate:"required,max=200"`
	Subject     string   `json:"subject" validate:"max=100"`
	TeacherID   string   `json:"teacherId" validate:"required,userid"`
	TeacherName string   `json:"teacherName" validate:"max=100"`
	StudentIDs  []string `json:"studentIds" validate:"dive,userid"`
	IsRecording bool     `json:"isRecording"`
	// StartNow creates the session active instead of scheduled.
	StartNow bool `json:"startNow"`
}

type SessionResponse struct {
	Session         *types.Session `json:"session"`
	ConnectionCount int            `json:"connectionCount"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type ParticipantsResponse struct {
	SessionID    string              `json:"sessionId"`
	Participants []types.Participant `json:"participants"`
}

type ViolationsResponse struct {
	SessionID  string            `json:"sessionId"`
	Violations []types.Violation `json:"violations"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

func (s *Server) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, wrap(err, ErrValidation, "invalid JSON body"))
		return
	}
	if err := types.ValidateStruct(&req); err != nil {
		s.sendError(c, wrap(err, ErrValidation, err.Error()))
		return
	}

	draft := &types.Session{
		ID:          req.ID,
		Title:       strings.TrimSpace(req.Title),
		Subject:     req.Subject,
		TeacherID:   req.TeacherID,
		TeacherName: req.TeacherName,
		StudentIDs:  req.StudentIDs,
		IsRecording: req.IsRecording,
		Status:      types.SessionScheduled,
	}
	if req.StartNow {
		draft.Status = types.SessionActive
	}

	session, err := s.sessionManager.CreateSession(c.Request.Context(), draft)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SessionResponse{Session: session})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.sessionManager.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		Session:         session,
		ConnectionCount: len(s.registry.GetSessionConnections(session.ID)),
	})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.sessionManager.ListActiveSessions(c.Request.Context())
	if err != nil {
		s.sendError(c, err)
		return
	}

	out := make([]SessionResponse, len(sessions))
	for i, session := range sessions {
		out[i] = SessionResponse{
			Session:         session,
			ConnectionCount: len(s.registry.GetSessionConnections(session.ID)),
		}
	}
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: out})
}

func (s *Server) startSession(c *gin.Context) {
	session, err := s.sessionManager.StartSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Session: session})
}

// endSession ends the session and tells every connected client.
func (s *Server) endSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := s.sessionManager.EndSession(c.Request.Context(), sessionID); err != nil {
		s.sendError(c, err)
		return
	}

	notice, err := types.NewEnvelope(&types.SystemNotice{Code: "session_ended", Message: "Session ended by teacher"})
	if err == nil {
		notice.SessionID = sessionID
		notice.Timestamp = time.Now().UTC()
		for _, conn := range s.registry.GetSessionConnections(sessionID) {
			if err := conn.WriteJSON(notice); err != nil {
				s.log.Debug("failed to notify session end",
					zap.String("session_id", sessionID),
					zap.String("user_id", conn.GetUserID()),
					zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session ended successfully"})
}

func (s *Server) listParticipants(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessionManager.GetSession(c.Request.Context(), sessionID); err != nil {
		s.sendError(c, err)
		return
	}
	participants := s.registry.ListParticipants(sessionID)
	if participants == nil {
		participants = []types.Participant{}
	}
	c.JSON(http.StatusOK, ParticipantsResponse{SessionID: sessionID, Participants: participants})
}

func (s *Server) getNotebookPage(c *gin.Context) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 1 {
		s.sendError(c, wrap(err, ErrValidation, "page must be a positive integer"))
		return
	}
	studentID := c.Param("studentId")
	if !types.IsValidUserID(studentID) {
		s.sendError(c, wrap(types.ErrInvalidUserID, ErrValidation, types.ErrInvalidUserID.Error()))
		return
	}

	notebook, err := s.dbManager.GetNotebookPage(c.Request.Context(), c.Param("id"), studentID, page)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, notebook)
}

func (s *Server) listViolations(c *gin.Context) {
	sessionID := c.Param("id")
	studentID := c.Query("student_id")
	if studentID != "" && !types.IsValidUserID(studentID) {
		s.sendError(c, wrap(types.ErrInvalidUserID, ErrValidation, types.ErrInvalidUserID.Error()))
		return
	}
	if _, err := s.sessionManager.GetSession(c.Request.Context(), sessionID); err != nil {
		s.sendError(c, err)
		return
	}

	violations, err := s.dbManager.ListViolations(c.Request.Context(), sessionID, studentID)
	if err != nil {
		s.sendError(c, err)
		return
	}
	if violations == nil {
		violations = []types.Violation{}
	}
	c.JSON(http.StatusOK, ViolationsResponse{SessionID: sessionID, Violations: violations})
}

// healthCheck returns 503 when the database does not answer.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.dbManager.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	})
}

func (s *Server) sendError(c *gin.Context, err error) {
	apiErr := fromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(apiErr.Status, apiErr)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
