package observability

import (
	"sync"
	"time"
)

// PoisonMessage captures an envelope that could not be decoded, kept for
// operator inspection after the dispatcher dropped it.
type PoisonMessage struct {
	Destination string
	Partition   int32
	Offset      int64
	Payload     []byte
	Reason      string
	ReceivedAt  time.Time
}

// DeadLetterQueue stores poison messages dropped by the dispatchers.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	messages []PoisonMessage
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.messages = make([]PoisonMessage, 0)
	return queue
}

// Offer records a poison message, dropping the oldest entry when full.
func (q *DeadLetterQueue) Offer(msg PoisonMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cloned := msg
	cloned.Payload = append([]byte(nil), msg.Payload...)
	if q.capacity > 0 && len(q.messages) >= q.capacity {
		copy(q.messages[0:], q.messages[1:])
		q.messages[len(q.messages)-1] = cloned
		return
	}
	q.messages = append(q.messages, cloned)
}

// Drain retrieves and clears all queued poison messages.
func (q *DeadLetterQueue) Drain() []PoisonMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]PoisonMessage, len(q.messages))
	copy(drained, q.messages)
	q.messages = q.messages[:0]
	return drained
}

// Len returns the number of queued poison messages.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
