// Package outboxstore defines persistence contracts for the transactional outbox.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event encapsulates a single outbox entry ready to be appended.
type Event struct {
	EventType     string
	Payload       json.RawMessage
	CorrelationID uuid.UUID
}

// Record captures the persisted state of an outbox row.
type Record struct {
	ID            uuid.UUID
	EventType     string
	Payload       json.RawMessage
	CorrelationID uuid.UUID
	CreatedAt     time.Time
	Sent          bool
	SentAt        *time.Time
	AttemptCount  int
	LastError     string
}

// Store abstracts persistence operations for the outbox.
//
// Append participates in the caller's transaction when the implementation is
// bound to one; the row and the business write then commit or abort together.
type Store interface {
	Append(ctx context.Context, evt Event) (Record, error)
	FetchUnsent(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	RecordAttempt(ctx context.Context, id uuid.UUID, attemptErr string) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
