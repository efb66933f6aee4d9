package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/metrics"
	"liveclass/internal/websocket"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var _ interfaces.MessageRouter = (*Router)(nil)

// Router enforces who may send what and decides who receives it.
type Router struct {
	registry  *websocket.Registry
	sessions  interfaces.SessionManager
	dbManager interfaces.DatabaseManager
	deliverer Deliverer
	limiter   *RateLimiter
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// Option customizes a Router.
type Option func(*Router)

// WithDeliverer replaces local delivery, e.g. with the Redis bus.
func WithDeliverer(d Deliverer) Option {
	return func(r *Router) { r.deliverer = d }
}

// WithRateLimits sets the per-minute budgets for signals and other events.
func WithRateLimits(signalsPerMinute, eventsPerMinute int) Option {
	return func(r *Router) { r.limiter = NewRateLimiter(signalsPerMinute, eventsPerMinute) }
}

// NewRouter creates a new message router
func NewRouter(registry *websocket.Registry, sessions interfaces.SessionManager, dbManager interfaces.DatabaseManager, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Router {
	r := &Router{
		registry:  registry,
		sessions:  sessions,
		dbManager: dbManager,
		limiter:   NewRateLimiter(600, 100),
		log:       logger.OrNop(log).Named("router"),
		metrics:   m,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deliverer == nil {
		r.deliverer = NewLocalDeliverer(registry, log, m)
	}
	return r
}

// RouteMessage validates a stamped frame and hands it to its audience.
func (r *Router) RouteMessage(ctx context.Context, env *types.Envelope) error {
	if err := r.route(ctx, env); err != nil {
		r.metrics.EventRejected(string(env.Event), ErrorCode(err))
		return err
	}
	r.metrics.EventRouted(string(env.Event))
	return nil
}

func (r *Router) route(ctx context.Context, env *types.Envelope) error {
	sender, exists := r.registry.GetUserConnection(env.From)
	if !exists {
		return ErrSenderNotConnected
	}
	if sender.GetSessionID() != env.SessionID {
		return ErrSenderNotInSession
	}

	payload, err := env.Decode()
	if err != nil {
		return err
	}
	if !r.limiter.Allow(env.From, env.Event) {
		return ErrRateLimitExceeded
	}

	if join, ok := payload.(*types.JoinSession); ok {
		return r.handleJoin(ctx, sender, env, join)
	}

	participant, joined := sender.Participant()
	if !joined {
		return ErrNotJoined
	}

	switch p := payload.(type) {
	case *types.LeaveSession:
		return r.handleLeave(ctx, sender, env, p)
	case *types.WebRTCSignal:
		return r.handleSignal(ctx, env, p)
	case *types.HandRaise:
		return r.handleHandRaise(ctx, participant, env, p)
	case *types.BroadcastControl:
		return r.handleBroadcast(ctx, participant, env, p)
	case *types.MuteAllStudents:
		return r.handleMuteAll(ctx, participant, env, p)
	case *types.NotebookUpdate:
		return r.handleNotebook(ctx, participant, env, p)
	case *types.MonitoringReport:
		return r.handleMonitoring(ctx, participant, env, p)
	default:
		// membership broadcasts and system notices originate at the relay
		return ErrUnauthorizedEvent
	}
}

// stamp re-encodes p under the relay-stamped header of env.
func stamp(env *types.Envelope, p types.Payload) (*types.Envelope, error) {
	out, err := types.NewEnvelope(p)
	if err != nil {
		return nil, err
	}
	out.From = env.From
	out.SessionID = env.SessionID
	out.Timestamp = env.Timestamp
	return out, nil
}

func (r *Router) deliver(ctx context.Context, aud Audience, env *types.Envelope, p types.Payload) error {
	out, err := stamp(env, p)
	if err != nil {
		return err
	}
	return r.deliverer.Deliver(ctx, aud, out)
}

func requireRole(p types.Participant, role types.Role) error {
	if p.Role != role {
		return fmt.Errorf("%w: %s requires role %s", ErrUnauthorizedEvent, p.Role, role)
	}
	return nil
}

func (r *Router) handleJoin(ctx context.Context, sender *websocket.Connection, env *types.Envelope, p *types.JoinSession) error {
	if p.UserID != env.From {
		return ErrIdentityMismatch
	}
	if p.SessionID != env.SessionID {
		return ErrSessionMismatch
	}
	if err := r.sessions.ValidateSessionMembership(ctx, p.SessionID, p.UserID, p.Role); err != nil {
		return err
	}

	name := p.Name
	if name == "" {
		name = p.UserID
	}
	participant := types.Participant{ID: p.UserID, Name: name, Role: p.Role}
	if p.Role == types.RoleStudent {
		participant.IsFullscreenActive = true
		participant.IsWindowFocused = true
	}

	present := r.registry.ListParticipants(env.SessionID)
	rejoin, err := r.registry.JoinSession(sender, participant)
	if err != nil {
		return err
	}

	// roster replay goes to the joiner only, ahead of its own announcement
	for _, existing := range present {
		if existing.ID == p.UserID {
			continue
		}
		replay, err := types.NewEnvelope(&types.ParticipantJoined{Participant: existing})
		if err != nil {
			return err
		}
		replay.From = existing.ID
		replay.SessionID = env.SessionID
		replay.Timestamp = env.Timestamp
		if err := sender.WriteJSON(replay); err != nil {
			r.log.Warn("failed to replay participant", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}

	if !rejoin {
		r.metrics.ParticipantJoined()
	}
	r.log.Info("participant joined",
		zap.String("session_id", env.SessionID),
		zap.String("user_id", p.UserID),
		zap.String("role", string(p.Role)),
		zap.Int("present", len(present)))

	return r.deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceAll}, env, &types.ParticipantJoined{Participant: participant})
}

func (r *Router) handleLeave(ctx context.Context, sender *websocket.Connection, env *types.Envelope, p *types.LeaveSession) error {
	if p.UserID != env.From {
		return ErrIdentityMismatch
	}
	if p.SessionID != env.SessionID {
		return ErrSessionMismatch
	}

	participant, was := r.registry.LeaveSession(sender)
	if !was {
		return ErrNotJoined
	}
	r.afterDeparture(ctx, env.SessionID, participant)

	out, err := stamp(env, &types.ParticipantLeft{Participant: participant})
	if err != nil {
		return err
	}
	if err := sender.WriteJSON(out); err != nil {
		r.log.Debug("failed to confirm leave", zap.String("user_id", env.From), zap.Error(err))
	}
	return r.deliverer.Deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceAll, ExcludeUserID: env.From}, out)
}

// HandleDisconnect announces a joined participant whose socket closed.
func (r *Router) HandleDisconnect(ctx context.Context, conn interfaces.Connection) {
	participant, was := r.registry.UnregisterConnection(conn)
	if !was {
		return
	}
	r.afterDeparture(ctx, conn.GetSessionID(), participant)

	env, err := types.NewEnvelope(&types.ParticipantLeft{Participant: participant})
	if err != nil {
		return
	}
	env.From = participant.ID
	env.SessionID = conn.GetSessionID()
	if err := r.deliverer.Deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceAll}, env); err != nil {
		r.log.Warn("failed to announce departure", zap.String("user_id", participant.ID), zap.Error(err))
	}
}

func (r *Router) afterDeparture(ctx context.Context, sessionID string, p types.Participant) {
	r.metrics.ParticipantLeft()
	r.log.Info("participant left", zap.String("session_id", sessionID), zap.String("user_id", p.ID))

	if p.IsBroadcasting {
		if err := r.sessions.SetBroadcastActive(ctx, sessionID, false); err != nil {
			r.log.Warn("failed to clear broadcast flag", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (r *Router) handleSignal(ctx context.Context, env *types.Envelope, p *types.WebRTCSignal) error {
	p.From = env.From
	return r.deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceUser, UserID: p.To}, env, p)
}

func (r *Router) handleHandRaise(ctx context.Context, sender types.Participant, env *types.Envelope, p *types.HandRaise) error {
	if err := requireRole(sender, types.RoleStudent); err != nil {
		return err
	}
	if p.StudentID != env.From {
		return ErrIdentityMismatch
	}
	if p.StudentName == "" {
		p.StudentName = sender.Name
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = env.Timestamp
	}

	r.registry.UpdateParticipant(env.SessionID, env.From, func(pp *types.Participant) {
		pp.IsHandRaised = p.IsActive
	})
	return r.deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceAll}, env, p)
}

func (r *Router) handleBroadcast(ctx context.Context, sender types.Participant, env *types.Envelope, p *types.BroadcastControl) error {
	if err := requireRole(sender, types.RoleTeacher); err != nil {
		return err
	}
	if p.TeacherID != env.From {
		return ErrIdentityMismatch
	}

	start := p.Action == types.BroadcastStart
	if err := r.sessions.SetBroadcastActive(ctx, env.SessionID, start); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	for _, conn := range r.registry.GetSessionStudents(env.SessionID) {
		broadcasting := start && conn.GetUserID() == p.StudentID
		r.registry.UpdateParticipant(env.SessionID, conn.GetUserID(), func(pp *types.Participant) {
			pp.IsBroadcasting = broadcasting
		})
	}
	return r.deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceAll}, env, p)
}

func (r *Router) handleMuteAll(ctx context.Context, sender types.Participant, env *types.Envelope, p *types.MuteAllStudents) error {
	if err := requireRole(sender, types.RoleTeacher); err != nil {
		return err
	}
	if p.SessionID != env.SessionID {
		return ErrSessionMismatch
	}

	for _, conn := range r.registry.GetSessionStudents(env.SessionID) {
		r.registry.UpdateParticipant(env.SessionID, conn.GetUserID(), func(pp *types.Participant) {
			pp.IsMuted = true
		})
	}
	return r.deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceStudents}, env, p)
}

// handleNotebook persists the snapshot before it is forwarded.
func (r *Router) handleNotebook(ctx context.Context, sender types.Participant, env *types.Envelope, p *types.NotebookUpdate) error {
	if err := requireRole(sender, types.RoleStudent); err != nil {
		return err
	}
	if p.StudentID != env.From {
		return ErrIdentityMismatch
	}
	if p.SessionID != env.SessionID {
		return ErrSessionMismatch
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = env.Timestamp
	}

	started := time.Now()
	err := r.dbManager.SaveNotebookPage(ctx, &p.NotebookPage)
	r.metrics.ObservePersist("notebook", time.Since(started))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return r.deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceTeachers}, env, p)
}

// handleMonitoring appends new violations to the log, then forwards the
// report to the teachers.
func (r *Router) handleMonitoring(ctx context.Context, sender types.Participant, env *types.Envelope, p *types.MonitoringReport) error {
	if err := requireRole(sender, types.RoleStudent); err != nil {
		return err
	}
	if p.StudentID != env.From {
		return ErrIdentityMismatch
	}
	for _, v := range p.Violations {
		if v.StudentID != env.From {
			return fmt.Errorf("%w: violation %s", ErrIdentityMismatch, v.ID)
		}
	}

	started := time.Now()
	added, err := r.dbManager.AppendViolations(ctx, env.SessionID, p.Violations)
	r.metrics.ObservePersist("violations", time.Since(started))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	r.registry.UpdateParticipant(env.SessionID, env.From, func(pp *types.Participant) {
		pp.IsFullscreenActive = p.IsFullscreenActive
		pp.IsWindowFocused = p.IsWindowFocused
		pp.ViolationCount += added
	})
	return r.deliver(ctx, Audience{SessionID: env.SessionID, Kind: AudienceTeachers}, env, p)
}

// RunMaintenance prunes idle rate limit windows until ctx is done.
func (r *Router) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
