package router

import (
	"sync"
	"time"

	"liveclass/pkg/types"
)

// RateLimiter counts events per user and event name in fixed one minute
// windows. Signaling gets a larger budget than the other events.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[limitKey]*clientLimit

	signalsPerMinute int
	eventsPerMinute  int
	now              func() time.Time
}

type limitKey struct {
	userID string
	event  types.EventName
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter with the given per-minute budgets.
func NewRateLimiter(signalsPerMinute, eventsPerMinute int) *RateLimiter {
	return &RateLimiter{
		clients:          make(map[limitKey]*clientLimit),
		signalsPerMinute: signalsPerMinute,
		eventsPerMinute:  eventsPerMinute,
		now:              time.Now,
	}
}

func (rl *RateLimiter) limitFor(event types.EventName) int {
	if event == types.EventWebRTCSignal {
		return rl.signalsPerMinute
	}
	return rl.eventsPerMinute
}

// Allow records one event and reports whether it fits the budget.
func (rl *RateLimiter) Allow(userID string, event types.EventName) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	key := limitKey{userID: userID, event: event}

	limit, exists := rl.clients[key]
	if !exists || now.Sub(limit.windowStart) >= time.Minute {
		rl.clients[key] = &clientLimit{count: 1, windowStart: now}
		return true
	}
	if limit.count >= rl.limitFor(event) {
		return false
	}
	limit.count++
	return true
}

// Cleanup removes windows idle for more than five minutes.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*time.Minute {
			delete(rl.clients, key)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
