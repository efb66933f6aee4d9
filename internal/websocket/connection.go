package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

var _ interfaces.Connection = (*Connection)(nil)

// Connection wraps one client socket. All writes go through a single
// goroutine; gorilla connections allow one concurrent writer.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration

	userID    string
	sessionID string

	mu          sync.RWMutex
	participant types.Participant
	joined      bool
	joinSeq     uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ConnectionOptions tunes the writer.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// NewConnection wraps conn for a user attached to a session. The user
// has no role until it joins.
func NewConnection(conn *websocket.Conn, userID, sessionID string, opts ConnectionOptions) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		userID:       userID,
		sessionID:    sessionID,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. It blocks for at most the write
// timeout when the buffer is full.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// writePing sends a control frame; control writes may run concurrently
// with the writer goroutine.
func (c *Connection) writePing() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) GetUserID() string {
	return c.userID
}

func (c *Connection) GetSessionID() string {
	return c.sessionID
}

func (c *Connection) GetRole() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.joined {
		return ""
	}
	return c.participant.Role
}

// Participant returns a copy of the descriptor announced at join.
func (c *Connection) Participant() (types.Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participant, c.joined
}

// IsJoined reports whether the user has announced itself.
func (c *Connection) IsJoined() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joined
}

func (c *Connection) setParticipant(p types.Participant, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participant = p
	c.joined = true
	c.joinSeq = seq
}

func (c *Connection) updateParticipant(fn func(*types.Participant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined {
		fn(&c.participant)
	}
}

func (c *Connection) clearParticipant() (types.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, was := c.participant, c.joined
	c.participant = types.Participant{}
	c.joined = false
	c.joinSeq = 0
	return p, was
}

func (c *Connection) sequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joinSeq
}
