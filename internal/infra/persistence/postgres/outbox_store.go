package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wallethub/wallethub/internal/domain/outboxstore"
)

// OutboxStore persists events awaiting publication.
type OutboxStore struct {
	db DB
}

// NewOutboxStore constructs an OutboxStore over the provided query surface.
func NewOutboxStore(db DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// WithTx returns a copy of the store bound to tx so an append commits or
// aborts with the caller's business write.
func (s *OutboxStore) WithTx(db DB) *OutboxStore {
	return &OutboxStore{db: db}
}

const (
	defaultFetchLimit = 100
	maxFetchLimit     = 1024
)

const (
	outboxInsertSQL = `
INSERT INTO outbox (id, event_type, payload, correlation_id, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING
    id, event_type, payload, correlation_id,
    created_at, sent, sent_at, attempt_count, last_error;
`

	outboxFetchUnsentSQL = `
SELECT
    id, event_type, payload, correlation_id,
    created_at, sent, sent_at, attempt_count, last_error
FROM outbox
WHERE sent = FALSE
ORDER BY created_at ASC, id ASC
LIMIT $1;
`

	outboxMarkSentSQL = `
UPDATE outbox
SET sent = TRUE,
    sent_at = COALESCE(sent_at, $2),
    attempt_count = attempt_count + 1
WHERE id = $1;
`

	outboxRecordAttemptSQL = `
UPDATE outbox
SET attempt_count = attempt_count + 1,
    last_error = $2
WHERE id = $1;
`

	outboxPurgeSQL = `
DELETE FROM outbox
WHERE sent = TRUE
  AND sent_at < $1;
`
)

// Append inserts one outbox row. Run it through a tx-bound store to keep the
// row atomic with the business write.
func (s *OutboxStore) Append(ctx context.Context, evt outboxstore.Event) (outboxstore.Record, error) {
	if s.db == nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: nil db")
	}
	eventType := strings.TrimSpace(evt.EventType)
	if eventType == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: event type required")
	}
	var correlation any
	if evt.CorrelationID != uuid.Nil {
		correlation = evt.CorrelationID
	}
	row := s.db.QueryRow(ctx, outboxInsertSQL,
		uuid.New(), eventType, string(evt.Payload), correlation, time.Now().UTC())
	return scanOutboxRecord(row)
}

// FetchUnsent returns up to limit unsent rows in append order.
func (s *OutboxStore) FetchUnsent(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	if s.db == nil {
		return nil, fmt.Errorf("outbox store: nil db")
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	} else if limit > maxFetchLimit {
		limit = maxFetchLimit
	}
	rows, err := s.db.Query(ctx, outboxFetchUnsentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: fetch unsent: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate unsent: %w", err)
	}
	return records, nil
}

// MarkSent flags the row as published and counts the delivery as an attempt.
// Repeated calls keep the first sent_at.
func (s *OutboxStore) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	if s.db == nil {
		return fmt.Errorf("outbox store: nil db")
	}
	tag, err := s.db.Exec(ctx, outboxMarkSentSQL, id, sentAt.UTC())
	if err != nil {
		return fmt.Errorf("outbox store: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark sent: row %s not found", id)
	}
	return nil
}

// RecordAttempt increments the attempt counter and stores the failure text.
func (s *OutboxStore) RecordAttempt(ctx context.Context, id uuid.UUID, attemptErr string) error {
	if s.db == nil {
		return fmt.Errorf("outbox store: nil db")
	}
	tag, err := s.db.Exec(ctx, outboxRecordAttemptSQL, id, strings.TrimSpace(attemptErr))
	if err != nil {
		return fmt.Errorf("outbox store: record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: record attempt: row %s not found", id)
	}
	return nil
}

// Purge deletes rows published before the cutoff and reports how many went.
// The window runs from sent_at, so a row that waited out a broker outage
// still gets its full post-send retention.
func (s *OutboxStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("outbox store: nil db")
	}
	tag, err := s.db.Exec(ctx, outboxPurgeSQL, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("outbox store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record      outboxstore.Record
		payload     string
		correlation pgtype.UUID
		sentAt      pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.EventType,
		&payload,
		&correlation,
		&record.CreatedAt,
		&record.Sent,
		&sentAt,
		&record.AttemptCount,
		&lastError,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Payload = []byte(payload)
	if correlation.Valid {
		record.CorrelationID = uuid.UUID(correlation.Bytes)
	}
	if sentAt.Valid {
		t := sentAt.Time
		record.SentAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
