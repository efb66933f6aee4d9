package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/router"
	"liveclass/pkg/types"
)

var _ router.Deliverer = (*Bus)(nil)

// frame is what travels between relay instances.
type frame struct {
	Origin   string          `json:"origin"`
	Audience router.Audience `json:"audience"`
	Envelope *types.Envelope `json:"envelope"`
}

// Bus delivers to local sockets first and then fans the frame out to the
// other relay instances, which resolve the audience against their own
// registries.
type Bus struct {
	local      router.Deliverer
	transport  Transport
	channel    string
	instanceID string
	log        *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewBus creates a bus publishing on "<prefix>:frames".
func NewBus(local router.Deliverer, transport Transport, prefix string, log *zap.Logger) *Bus {
	if prefix == "" {
		prefix = "liveclass"
	}
	return &Bus{
		local:      local,
		transport:  transport,
		channel:    prefix + ":frames",
		instanceID: uuid.NewString(),
		log:        logger.OrNop(log).Named("bus"),
	}
}

// InstanceID identifies this relay on the bus.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Deliver writes locally, then publishes. A point-to-point frame already
// delivered here is not published, and a recipient that is not on this
// instance is left to the others.
func (b *Bus) Deliver(ctx context.Context, aud router.Audience, env *types.Envelope) error {
	err := b.local.Deliver(ctx, aud, env)
	switch {
	case err == nil && aud.Kind == router.AudienceUser:
		return nil
	case err != nil && !errors.Is(err, router.ErrRecipientNotFound):
		return err
	}

	data, err := json.Marshal(frame{Origin: b.instanceID, Audience: aud, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode bus frame: %w", err)
	}
	if err := b.transport.Publish(ctx, b.channel, data); err != nil {
		b.log.Error("failed to publish frame",
			zap.String("event", string(env.Event)),
			zap.String("session_id", aud.SessionID),
			zap.Error(err))
		return err
	}
	return nil
}

// Run subscribes and delivers remote frames until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrBusAlreadyRunning
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	payloads, err := b.transport.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	b.log.Info("bus subscribed", zap.String("channel", b.channel), zap.String("instance_id", b.instanceID))

	for {
		select {
		case data, ok := <-payloads:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSubscriptionClosed
			}
			b.handle(ctx, data)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bus) handle(ctx context.Context, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		b.log.Warn("dropping bus frame", zap.Error(err))
		return
	}
	if f.Origin == b.instanceID {
		return
	}

	err = b.local.Deliver(ctx, f.Audience, f.Envelope)
	if err != nil && !errors.Is(err, router.ErrRecipientNotFound) {
		b.log.Warn("failed to deliver remote frame",
			zap.String("event", string(f.Envelope.Event)),
			zap.String("origin", f.Origin),
			zap.Error(err))
	}
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.Origin == "" || f.Envelope == nil || f.Audience.SessionID == "" {
		return nil, ErrMalformedFrame
	}
	return &f, nil
}
