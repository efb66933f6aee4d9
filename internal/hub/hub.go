package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/router"
	"liveclass/internal/websocket"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var _ websocket.Inbound = (*Hub)(nil)

// Hub serializes everything read from sockets onto one goroutine, so the
// router sees frames and departures of a user in arrival order.
type Hub struct {
	inbound  chan *MessageContext
	shutdown chan struct{}
	done     chan struct{}

	router interfaces.MessageRouter
	log    *zap.Logger
	now    func() time.Time

	running bool
	mu      sync.RWMutex
}

// MessageContext is one inbound frame, or a departure when Envelope is nil.
type MessageContext struct {
	Envelope *types.Envelope
	Conn     *websocket.Connection
}

// NewHub creates a new hub
func NewHub(r interfaces.MessageRouter, log *zap.Logger) *Hub {
	return &Hub{
		inbound:  make(chan *MessageContext, 1000),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		router:   r,
		log:      logger.OrNop(log).Named("hub"),
		now:      time.Now,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	h.log.Info("starting message hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the loop down and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	h.log.Info("message hub stopped")
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// SendMessage queues a frame without blocking the read pump.
func (h *Hub) SendMessage(env *types.Envelope, conn *websocket.Connection) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	if conn == nil {
		return ErrNilConnection
	}

	select {
	case h.inbound <- &MessageContext{Envelope: env, Conn: conn}:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

// UnregisterConnection queues a departure. Departures are never dropped.
func (h *Hub) UnregisterConnection(conn *websocket.Connection) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	if conn == nil {
		return ErrNilConnection
	}

	select {
	case h.inbound <- &MessageContext{Conn: conn}:
		return nil
	case <-h.shutdown:
		return ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case mc := <-h.inbound:
			if mc.Envelope == nil {
				h.handleDeparture(ctx, mc.Conn)
				continue
			}
			h.handleMessage(ctx, mc)

		case <-h.shutdown:
			return

		case <-ctx.Done():
			h.log.Info("hub context cancelled")
			return
		}
	}
}

// handleMessage stamps sender identity and time, then routes. Rejections
// go back to the sender as a system notice.
func (h *Hub) handleMessage(ctx context.Context, mc *MessageContext) {
	env := mc.Envelope
	env.From = mc.Conn.GetUserID()
	env.SessionID = mc.Conn.GetSessionID()
	env.Timestamp = h.now().UTC()

	if err := h.router.RouteMessage(ctx, env); err != nil {
		h.log.Debug("event rejected",
			zap.String("event", string(env.Event)),
			zap.String("user_id", env.From),
			zap.String("session_id", env.SessionID),
			zap.Error(err))
		h.sendErrorToSender(mc.Conn, router.ErrorCode(err), err)
	}
}

func (h *Hub) handleDeparture(ctx context.Context, conn *websocket.Connection) {
	h.router.HandleDisconnect(ctx, conn)
	_ = conn.Close()
}

func (h *Hub) sendErrorToSender(conn *websocket.Connection, code string, routingErr error) {
	notice, err := types.NewEnvelope(&types.SystemNotice{Code: code, Message: routingErr.Error()})
	if err != nil {
		return
	}
	notice.SessionID = conn.GetSessionID()
	if err := conn.WriteJSON(notice); err != nil {
		h.log.Debug("failed to send system notice", zap.String("user_id", conn.GetUserID()), zap.Error(err))
	}
}
