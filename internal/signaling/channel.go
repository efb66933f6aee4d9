package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveclass/internal/config"
	"liveclass/internal/logger"
	"liveclass/pkg/types"
)

// Dialer opens the socket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options tunes a Channel. Zero values take the defaults.
type Options struct {
	// URL of the relay's WebSocket endpoint, e.g. ws://host:8080/ws.
	URL                string
	ConnectAttempts    int
	ConnectBaseDelay   time.Duration
	ConnectMaxDelay    time.Duration
	QueueLimit         int
	FlushBatchSize     int
	FlushInterval      time.Duration
	NotebookThrottle   time.Duration
	MonitoringThrottle time.Duration
	WriteTimeout       time.Duration
	Dialer             Dialer
}

// OptionsFromConfig maps the classroom config section.
func OptionsFromConfig(cfg config.ClassroomConfig) Options {
	return Options{
		URL:                cfg.ServerURL,
		ConnectAttempts:    cfg.ConnectAttempts,
		ConnectBaseDelay:   cfg.ConnectBaseDelay,
		ConnectMaxDelay:    cfg.ConnectMaxDelay,
		QueueLimit:         cfg.QueueLimit,
		FlushBatchSize:     cfg.FlushBatchSize,
		FlushInterval:      cfg.FlushInterval,
		NotebookThrottle:   cfg.NotebookThrottle,
		MonitoringThrottle: cfg.MonitoringThrottle,
	}
}

func (o *Options) applyDefaults() {
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 5
	}
	if o.ConnectBaseDelay <= 0 {
		o.ConnectBaseDelay = time.Second
	}
	if o.ConnectMaxDelay <= 0 {
		o.ConnectMaxDelay = 5 * time.Second
	}
	if o.FlushBatchSize <= 0 {
		o.FlushBatchSize = 10
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.NotebookThrottle <= 0 {
		o.NotebookThrottle = time.Second
	}
	if o.MonitoringThrottle <= 0 {
		o.MonitoringThrottle = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
}

// Channel is the participant's end of the relay: one socket, a handler
// registry, an offline queue and throttles for high-frequency events.
type Channel struct {
	opts       Options
	log        *zap.Logger
	dispatcher *Dispatcher
	queue      *Queue
	notebook   *Throttle
	monitoring *Throttle

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	userID    string
	sessionID string
	join      *types.JoinSession
	flushing  bool
	closed    bool
	lifeCtx   context.Context
	cancel    context.CancelFunc
	onLost    func(error)

	writeMu sync.Mutex
}

// NewChannel creates a disconnected channel. Nothing is dialed until
// Connect.
func NewChannel(opts Options, log *zap.Logger) *Channel {
	opts.applyDefaults()
	log = logger.OrNop(log).Named("signaling")
	c := &Channel{
		opts:       opts,
		log:        log,
		dispatcher: NewDispatcher(log),
		queue:      NewQueue(opts.QueueLimit, log),
	}
	c.notebook = NewThrottle(opts.NotebookThrottle, c.emitThrottled)
	c.monitoring = NewThrottle(opts.MonitoringThrottle, c.emitThrottled)
	return c
}

// On registers h for event. Handlers survive reconnects.
func (c *Channel) On(event types.EventName, h Handler) HandlerID {
	return c.dispatcher.On(event, h)
}

// Off removes a handler registered with On.
func (c *Channel) Off(event types.EventName, id HandlerID) bool {
	return c.dispatcher.Off(event, id)
}

func (c *Channel) Logger() *zap.Logger {
	return c.log
}

// OnConnectionLost is called once when background reconnection gives up.
func (c *Channel) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// State reports where the channel is in its connect lifecycle.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// QueuedMessages is the length of the offline queue.
func (c *Channel) QueuedMessages() int {
	return c.queue.Len()
}

// UserID is the identity the channel connected with.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect dials the relay, retrying with a linear backoff capped at
// ConnectMaxDelay. It is a no-op when already connected.
func (c *Channel) Connect(ctx context.Context, userID, sessionID string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.userID = userID
	c.sessionID = sessionID
	c.closed = false
	if c.cancel != nil {
		c.cancel()
	}
	c.lifeCtx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	conn, err := c.dialWithRetry(ctx, userID, sessionID)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.attach(conn, false)
	return nil
}

func (c *Channel) endpoint(userID, sessionID string) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	query := u.Query()
	query.Set("user_id", userID)
	query.Set("session_id", sessionID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (c *Channel) dialWithRetry(ctx context.Context, userID, sessionID string) (*websocket.Conn, error) {
	endpoint, err := c.endpoint(userID, sessionID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		lastErr = err
		c.log.Warn("signaling connect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.ConnectAttempts),
			zap.Error(err))

		if attempt == c.opts.ConnectAttempts {
			break
		}
		delay := c.opts.ConnectBaseDelay * time.Duration(attempt)
		if delay > c.opts.ConnectMaxDelay {
			delay = c.opts.ConnectMaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w (%d attempts): %w", ErrConnectExhausted, c.opts.ConnectAttempts, lastErr)
}

// attach installs a fresh socket. An announced join goes out before
// anything queued.
func (c *Channel) attach(conn *websocket.Conn, resumed bool) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	join := c.join
	ctx := c.lifeCtx
	c.flushing = true
	c.mu.Unlock()

	c.log.Info("signaling connected", zap.Bool("resumed", resumed))
	go c.readLoop(conn)

	if join != nil {
		if err := c.write(conn, join); err != nil {
			c.log.Warn("failed to re-announce join", zap.Error(err))
		}
	}
	go c.flushQueue(ctx, conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if env.Event == types.EventSystem {
			c.logNotice(&env)
		}
		c.dispatcher.Dispatch(&env)
	}
}

func (c *Channel) logNotice(env *types.Envelope) {
	notice, err := types.DecodeAs[types.SystemNotice](env)
	if err != nil {
		return
	}
	c.log.Warn("relay notice", zap.String("code", notice.Code), zap.String("message", notice.Message))
}

func (c *Channel) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	closed := c.closed
	ctx := c.lifeCtx
	userID, sessionID := c.userID, c.sessionID
	c.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	c.log.Warn("signaling connection lost, reconnecting", zap.Error(cause))
	go c.reconnect(ctx, userID, sessionID)
}

func (c *Channel) reconnect(ctx context.Context, userID, sessionID string) {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dialWithRetry(ctx, userID, sessionID)
	if err != nil {
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		c.log.Error("signaling reconnect failed", zap.Error(err))
		c.mu.Lock()
		onLost := c.onLost
		c.mu.Unlock()
		if onLost != nil {
			onLost(err)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.mu.Unlock()
	c.attach(conn, true)
}

// flushQueue sends queued messages in batches with a pause between them.
func (c *Channel) flushQueue(ctx context.Context, conn *websocket.Conn) {
	for {
		batch := c.queue.Drain(c.opts.FlushBatchSize)
		for i, p := range batch {
			if err := c.write(conn, p); err != nil {
				c.queue.PushFront(batch[i:])
				c.setFlushing(false)
				return
			}
		}

		c.mu.Lock()
		if c.queue.Len() == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		select {
		case <-time.After(c.opts.FlushInterval):
		case <-ctx.Done():
			c.setFlushing(false)
			return
		}
	}
}

func (c *Channel) setFlushing(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushing = v
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Channel) write(conn *websocket.Conn, p types.Payload) error {
	env, err := types.NewEnvelope(p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

// send writes p now, or queues it when offline or while a flush is in
// progress so ordering is kept.
func (c *Channel) send(p types.Payload, queueable bool) error {
	if err := types.ValidatePayload(p); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	online := c.state == StateConnected && conn != nil
	if !online || c.flushing {
		if !queueable && !online {
			c.mu.Unlock()
			return ErrNotConnected
		}
		if queueable {
			c.queue.Push(p)
			c.mu.Unlock()
			if !online {
				c.log.Debug("message queued while offline", zap.String("event", string(p.Event())))
			}
			return nil
		}
	}
	c.mu.Unlock()

	if err := c.write(conn, p); err != nil {
		if queueable {
			c.queue.Push(p)
			return nil
		}
		return fmt.Errorf("send %s: %w", p.Event(), err)
	}
	return nil
}

func (c *Channel) emitThrottled(p types.Payload) {
	if err := c.send(p, true); err != nil {
		c.log.Warn("failed to send throttled event", zap.String("event", string(p.Event())), zap.Error(err))
	}
}

// JoinSession announces presence. The join is remembered and re-sent
// after every reconnect until LeaveSession.
func (c *Channel) JoinSession(sessionID, userID string, role types.Role, name string) error {
	join := &types.JoinSession{SessionID: sessionID, UserID: userID, Role: role, Name: name}
	if err := types.ValidatePayload(join); err != nil {
		return err
	}

	c.mu.Lock()
	c.join = join
	conn := c.conn
	online := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !online {
		return nil
	}
	return c.write(conn, join)
}

// LeaveSession withdraws the join announced for sessionID. It returns
// ErrNotJoined when no join for that session was announced.
func (c *Channel) LeaveSession(sessionID, userID string) error {
	c.mu.Lock()
	if c.join == nil || c.join.SessionID != sessionID {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotJoined, sessionID)
	}
	c.join = nil
	c.mu.Unlock()
	return c.send(&types.LeaveSession{SessionID: sessionID, UserID: userID}, false)
}

// SendSignal is never queued or throttled.
func (c *Channel) SendSignal(to string, signal types.SignalData) error {
	return c.send(&types.WebRTCSignal{
		From:   c.UserID(),
		To:     to,
		Type:   signal.Type,
		Signal: signal,
	}, false)
}

func (c *Channel) RaiseHand(p types.HandRaise) error {
	return c.send(&p, true)
}

func (c *Channel) SendBroadcastControl(p types.BroadcastControl) error {
	return c.send(&p, true)
}

func (c *Channel) MuteAllStudents(sessionID string) error {
	return c.send(&types.MuteAllStudents{SessionID: sessionID}, true)
}

// SendNotebookUpdate is throttled; only the latest page in a window is
// sent.
func (c *Channel) SendNotebookUpdate(page types.NotebookPage) {
	c.notebook.Submit(&types.NotebookUpdate{NotebookPage: page})
}

// SendMonitoringAlert is throttled like SendNotebookUpdate.
func (c *Channel) SendMonitoringAlert(report types.MonitoringReport) {
	c.monitoring.Submit(&report)
}

// FlushNotebookUpdates sends a pending notebook page immediately.
func (c *Channel) FlushNotebookUpdates() {
	c.notebook.Flush()
}

// Disconnect closes the socket and stops reconnecting. Queued and
// pending throttled messages are dropped. Handlers stay registered.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.join = nil
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.queue.Clear()
	c.notebook.Stop()
	c.monitoring.Stop()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.log.Info("signaling disconnected")
}
