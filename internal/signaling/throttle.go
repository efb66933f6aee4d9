package signaling

import (
	"sync"
	"time"

	"liveclass/pkg/types"
)

// Throttle emits at most once per window. Submissions inside a window
// replace the pending payload, and the last one is sent when the window
// closes.
type Throttle struct {
	mu      sync.Mutex
	window  time.Duration
	send    func(types.Payload)
	pending types.Payload
	timer   *time.Timer
}

// NewThrottle calls send with the latest submission at most once per
// window.
func NewThrottle(window time.Duration, send func(types.Payload)) *Throttle {
	return &Throttle{window: window, send: send}
}

// Submit replaces any pending payload with p.
func (t *Throttle) Submit(p types.Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = p
	if t.timer == nil {
		t.timer = time.AfterFunc(t.window, t.fire)
	}
}

// Flush sends the pending payload now.
func (t *Throttle) Flush() {
	t.mu.Lock()
	p := t.take()
	t.mu.Unlock()
	if p != nil {
		t.send(p)
	}
}

// Stop drops the pending payload.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.take()
}

// Pending reports whether a payload is waiting for the window to close.
func (t *Throttle) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Throttle) fire() {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	t.timer = nil
	t.mu.Unlock()
	if p != nil {
		t.send(p)
	}
}

// take must be called with mu held.
func (t *Throttle) take() types.Payload {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	p := t.pending
	t.pending = nil
	return p
}
