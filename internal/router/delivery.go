package router

import (
	"context"

	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/metrics"
	"liveclass/internal/websocket"
	"liveclass/pkg/types"
)

// AudienceKind selects the recipients of a frame within a session.
type AudienceKind string

const (
	AudienceAll      AudienceKind = "all"
	AudienceTeachers AudienceKind = "teachers"
	AudienceStudents AudienceKind = "students"
	AudienceUser     AudienceKind = "user"
)

// Audience is resolved against a registry at delivery time, so it can
// travel between relay instances.
type Audience struct {
	SessionID     string       `json:"sessionId"`
	Kind          AudienceKind `json:"kind"`
	UserID        string       `json:"userId,omitempty"`
	ExcludeUserID string       `json:"excludeUserId,omitempty"`
}

// Deliverer writes a frame to every connection matching the audience.
type Deliverer interface {
	Deliver(ctx context.Context, aud Audience, env *types.Envelope) error
}

// LocalDeliverer resolves audiences against this instance's registry.
type LocalDeliverer struct {
	registry *websocket.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewLocalDeliverer(registry *websocket.Registry, log *zap.Logger, m *metrics.Metrics) *LocalDeliverer {
	return &LocalDeliverer{
		registry: registry,
		log:      logger.OrNop(log).Named("delivery"),
		metrics:  m,
	}
}

// Deliver keeps going past individual write failures. A user audience
// with no joined recipient yields ErrRecipientNotFound.
func (d *LocalDeliverer) Deliver(_ context.Context, aud Audience, env *types.Envelope) error {
	var recipients []*websocket.Connection
	switch aud.Kind {
	case AudienceAll:
		recipients = d.registry.GetSessionConnections(aud.SessionID)
	case AudienceTeachers:
		recipients = d.registry.GetSessionTeachers(aud.SessionID)
	case AudienceStudents:
		recipients = d.registry.GetSessionStudents(aud.SessionID)
	case AudienceUser:
		conn, ok := d.registry.GetJoinedConnection(aud.SessionID, aud.UserID)
		if !ok {
			if _, exists := d.registry.GetUserConnection(aud.UserID); exists {
				return ErrRecipientNotInSession
			}
			return ErrRecipientNotFound
		}
		recipients = []*websocket.Connection{conn}
	}

	for _, conn := range recipients {
		if conn.GetUserID() == aud.ExcludeUserID {
			continue
		}
		err := conn.WriteJSON(env)
		d.metrics.Delivery(err == nil)
		if err != nil {
			d.log.Warn("failed to deliver frame",
				zap.String("event", string(env.Event)),
				zap.String("user_id", conn.GetUserID()),
				zap.Error(err))
		}
	}
	return nil
}
