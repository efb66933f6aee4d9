package peer

import (
	"context"

	"liveclass/internal/media"
	"liveclass/pkg/types"
)

// Conn is one negotiated media transport to a remote participant.
type Conn interface {
	// Start creates and emits the offer. Only initiators call it.
	Start() error
	// Signal applies a remote offer, answer or candidate.
	Signal(sig types.SignalData) error
	// Stats reports inbound video counters; false when nothing was received.
	Stats() (Stats, bool)
	ReplaceVideoTrack(t media.Track) error
	Close() error
}

// Events are the callbacks a Conn raises. They may be called from any
// goroutine but never while the Conn's constructor is running.
type Events struct {
	OnSignal       func(sig types.SignalData)
	OnConnected    func()
	OnFailed       func(err error)
	OnClosed       func()
	OnRemoteStream func(stream *RemoteStream)
}

// ConnConfig is what a Factory needs to build one Conn.
type ConnConfig struct {
	RemoteID  string
	Initiator bool
	// Stream may be nil when the participant sends no media.
	Stream *media.Stream
	Events Events
}

// Factory builds connections. PionFactory is the production one.
type Factory interface {
	NewConn(cfg ConnConfig) (Conn, error)
}

// Signaler carries negotiation messages to a remote participant.
// *signaling.Channel satisfies it.
type Signaler interface {
	SendSignal(to string, sig types.SignalData) error
}

// MediaSource is the local stream the manager sends and degrades.
// *media.Source satisfies it.
type MediaSource interface {
	Current() *media.Stream
	StepDown(ctx context.Context) (*media.Stream, error)
	Replace(stream *media.Stream, sinks ...media.Sink) int
	Release()
}

// RemoteTrack describes one received track.
type RemoteTrack struct {
	ID    string
	Kind  media.Kind
	Codec string
}

// RemoteStream is what a remote participant is sending.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// StreamHandler is told about remote streams as tracks arrive.
type StreamHandler func(participantID string, stream *RemoteStream)
