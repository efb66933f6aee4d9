package signaling

import (
	"sync"

	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/pkg/types"
)

// HandlerID identifies one registration so it can be removed.
type HandlerID uint64

// Handler receives a raw inbound frame.
type Handler func(env *types.Envelope)

// Subscriber is anything handlers can be registered on.
type Subscriber interface {
	On(event types.EventName, h Handler) HandlerID
	Off(event types.EventName, id HandlerID) bool
	Logger() *zap.Logger
}

type registration struct {
	id HandlerID
	fn Handler
}

// Dispatcher is a registry of listeners keyed by event. Dispatch works
// on a snapshot, so handlers may register or remove listeners while
// being called.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   HandlerID
	handlers map[types.EventName][]registration
	log      *zap.Logger
}

// NewDispatcher returns an empty registry.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[types.EventName][]registration),
		log:      logger.OrNop(log),
	}
}

// On adds a listener for event and returns its id.
func (d *Dispatcher) On(event types.EventName, h Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], registration{id: d.nextID, fn: h})
	return d.nextID
}

// Off removes a listener. Removing the last one deletes the event entry.
func (d *Dispatcher) Off(event types.EventName, id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[event]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		regs = append(regs[:i:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(d.handlers, event)
		} else {
			d.handlers[event] = regs
		}
		return true
	}
	return false
}

func (d *Dispatcher) Logger() *zap.Logger {
	return d.log
}

// Count reports the listeners registered for event.
func (d *Dispatcher) Count(event types.EventName) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[event])
}

// Events lists the events that currently have listeners.
func (d *Dispatcher) Events() []types.EventName {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := make([]types.EventName, 0, len(d.handlers))
	for event := range d.handlers {
		events = append(events, event)
	}
	return events
}

// Dispatch calls every listener of env.Event in registration order. A
// panicking listener is logged and does not stop the others.
func (d *Dispatcher) Dispatch(env *types.Envelope) {
	d.mu.Lock()
	regs := append([]registration(nil), d.handlers[env.Event]...)
	d.mu.Unlock()

	for _, reg := range regs {
		d.call(env, reg)
	}
}

func (d *Dispatcher) call(env *types.Envelope, reg registration) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("signaling handler panicked",
				zap.String("event", string(env.Event)),
				zap.Uint64("handler_id", uint64(reg.id)),
				zap.Any("panic", r))
		}
	}()
	reg.fn(env)
}

// Handle registers a typed listener. The payload is decoded and
// validated first; frames that fail are logged and dropped.
func Handle[T any, PT interface {
	*T
	types.Payload
}](s Subscriber, fn func(env *types.Envelope, p *T)) HandlerID {
	event := PT(new(T)).Event()
	log := s.Logger()
	return s.On(event, func(env *types.Envelope) {
		p, err := types.DecodeAs[T, PT](env)
		if err != nil {
			log.Warn("dropping invalid payload",
				zap.String("event", string(env.Event)),
				zap.String("from", env.From),
				zap.Error(err))
			return
		}
		fn(env, p)
	})
}
