package interfaces

import (
	"context"

	"liveclass/pkg/types"
)

// MessageRouter routes stamped envelopes to their audience.
type MessageRouter interface {
	// RouteMessage expects From and SessionID already stamped by the hub.
	RouteMessage(ctx context.Context, env *types.Envelope) error

	// HandleDisconnect announces the departure of a joined participant
	// whose socket closed without a leave-session.
	HandleDisconnect(ctx context.Context, conn Connection)
}
