package interfaces

import "liveclass/pkg/types"

// Connection is one relay-side client socket.
type Connection interface {
	// WriteJSON queues v for the connection's single writer.
	WriteJSON(v interface{}) error

	Close() error

	GetUserID() string
	GetSessionID() string

	// GetRole is empty until the client has joined the session.
	GetRole() types.Role

	// Participant returns the descriptor announced at join time.
	Participant() (types.Participant, bool)
}
