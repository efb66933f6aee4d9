package signaling

import (
	"sync"

	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/pkg/types"
)

// Queue holds application messages while the channel is offline. When
// full, the oldest message is dropped.
type Queue struct {
	mu      sync.Mutex
	items   []types.Payload
	limit   int
	dropped int
	log     *zap.Logger
}

// NewQueue holds at most limit messages, 1000 when limit is not positive.
func NewQueue(limit int, log *zap.Logger) *Queue {
	if limit <= 0 {
		limit = 1000
	}
	return &Queue{limit: limit, log: logger.OrNop(log)}
}

// Push appends p, dropping the oldest message with a warning when full.
func (q *Queue) Push(p types.Payload) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		q.log.Warn("offline queue full, dropping oldest message",
			zap.String("event", string(dropped.Event())),
			zap.Int("limit", q.limit))
	}
	q.items = append(q.items, p)
}

// PushFront returns unsent messages to the head of the queue.
func (q *Queue) PushFront(ps []types.Payload) {
	if len(ps) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]types.Payload(nil), ps...), q.items...)
	if over := len(q.items) - q.limit; over > 0 {
		q.items = q.items[over:]
		q.dropped += over
	}
}

// Drain removes up to n messages from the head.
func (q *Queue) Drain(n int) []types.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := append([]types.Payload(nil), q.items[:n]...)
	q.items = q.items[n:]
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts messages discarded because the queue was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
