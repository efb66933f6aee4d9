package websocket

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// Registry tracks every open socket by user and, once a user has joined,
// indexes it by session and role for audience lookups.
type Registry struct {
	mu                sync.RWMutex
	globalConnections map[string]*Connection            // userID -> Connection
	sessionTeachers   map[string]map[string]*Connection // sessionID -> userID -> Connection
	sessionStudents   map[string]map[string]*Connection // sessionID -> userID -> Connection
	joinSeq           uint64
	log               *zap.Logger
}

// NewRegistry creates a new connection registry
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		globalConnections: make(map[string]*Connection),
		sessionTeachers:   make(map[string]map[string]*Connection),
		sessionStudents:   make(map[string]map[string]*Connection),
		log:               logger.OrNop(log).Named("registry"),
	}
}

// RegisterConnection tracks a freshly upgraded socket. An older socket
// of the same user is dropped from every index and closed.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.globalConnections[conn.userID]; exists && existing != conn {
		r.removeFromSessionLocked(existing)
		go func() {
			if err := existing.Close(); err != nil {
				r.log.Debug("failed to close replaced connection", zap.String("user_id", existing.userID), zap.Error(err))
			}
		}()
	}

	r.globalConnections[conn.userID] = conn
	return nil
}

// JoinSession records the participant descriptor and indexes the
// connection under its role. It reports whether the user was already
// joined on this connection.
func (r *Registry) JoinSession(conn *Connection, p types.Participant) (bool, error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	if p.ID != conn.userID {
		return false, ErrIdentityMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.globalConnections[conn.userID] != conn {
		return false, ErrConnectionReplaced
	}

	rejoin := conn.IsJoined()
	seq := conn.sequence()
	if rejoin {
		r.removeFromSessionLocked(conn)
	} else {
		r.joinSeq++
		seq = r.joinSeq
	}
	conn.setParticipant(p, seq)

	index := r.sessionStudents
	if p.Role == types.RoleTeacher {
		index = r.sessionTeachers
	}
	if index[conn.sessionID] == nil {
		index[conn.sessionID] = make(map[string]*Connection)
	}
	index[conn.sessionID][conn.userID] = conn
	return rejoin, nil
}

// LeaveSession removes the user from the session indexes but keeps the
// socket open.
func (r *Registry) LeaveSession(conn *Connection) (types.Participant, bool) {
	if conn == nil {
		return types.Participant{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.globalConnections[conn.userID] != conn {
		return types.Participant{}, false
	}
	r.removeFromSessionLocked(conn)
	return conn.clearParticipant()
}

// UnregisterConnection forgets a closed socket. Only the connection
// currently registered for the user is removed, so a stale socket
// cannot evict its replacement. The returned participant is set when
// the user had joined.
func (r *Registry) UnregisterConnection(conn interfaces.Connection) (types.Participant, bool) {
	if conn == nil {
		return types.Participant{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.globalConnections[conn.GetUserID()]
	if !exists || registered != conn {
		return types.Participant{}, false
	}

	delete(r.globalConnections, registered.userID)
	r.removeFromSessionLocked(registered)
	return registered.clearParticipant()
}

func (r *Registry) removeFromSessionLocked(conn *Connection) {
	for _, index := range []map[string]map[string]*Connection{r.sessionTeachers, r.sessionStudents} {
		members, exists := index[conn.sessionID]
		if !exists {
			continue
		}
		if members[conn.userID] == conn {
			delete(members, conn.userID)
		}
		if len(members) == 0 {
			delete(index, conn.sessionID)
		}
	}
}

// UpdateParticipant mutates the stored descriptor of a joined user.
func (r *Registry) UpdateParticipant(sessionID, userID string, fn func(*types.Participant)) bool {
	r.mu.RLock()
	conn, exists := r.globalConnections[userID]
	r.mu.RUnlock()
	if !exists || conn.sessionID != sessionID || !conn.IsJoined() {
		return false
	}
	conn.updateParticipant(fn)
	return true
}

// GetUserConnection returns the current connection for a user.
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.globalConnections[userID]
	return conn, exists
}

// GetJoinedConnection returns the user's connection when it has joined
// the given session.
func (r *Registry) GetJoinedConnection(sessionID, userID string) (*Connection, bool) {
	conn, exists := r.GetUserConnection(userID)
	if !exists || conn.sessionID != sessionID || !conn.IsJoined() {
		return nil, false
	}
	return conn, true
}

// GetSessionConnections returns every joined connection of a session.
func (r *Registry) GetSessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := collect(nil, r.sessionTeachers[sessionID])
	return collect(connections, r.sessionStudents[sessionID])
}

// GetSessionTeachers returns teacher connections for a session
func (r *Registry) GetSessionTeachers(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(nil, r.sessionTeachers[sessionID])
}

// GetSessionStudents returns student connections for a session
func (r *Registry) GetSessionStudents(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(nil, r.sessionStudents[sessionID])
}

func collect(dst []*Connection, members map[string]*Connection) []*Connection {
	for _, conn := range members {
		dst = append(dst, conn)
	}
	return dst
}

// ListParticipants returns the joined participants in join order.
func (r *Registry) ListParticipants(sessionID string) []types.Participant {
	connections := r.GetSessionConnections(sessionID)
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].sequence() < connections[j].sequence()
	})

	participants := make([]types.Participant, 0, len(connections))
	for _, conn := range connections {
		if p, ok := conn.Participant(); ok {
			participants = append(participants, p)
		}
	}
	return participants
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string]struct{})
	joined := 0
	for sessionID, members := range r.sessionTeachers {
		sessions[sessionID] = struct{}{}
		joined += len(members)
	}
	for sessionID, members := range r.sessionStudents {
		sessions[sessionID] = struct{}{}
		joined += len(members)
	}

	return map[string]int{
		"total_connections": len(r.globalConnections),
		"joined":            joined,
		"active_sessions":   len(sessions),
	}
}
