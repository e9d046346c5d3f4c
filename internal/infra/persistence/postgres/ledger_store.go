package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wallethub/wallethub/internal/domain/ledgerstore"
)

// LedgerStore persists the (consumer, event id) idempotency ledger.
type LedgerStore struct {
	db DB
}

// NewLedgerStore constructs a LedgerStore over the provided query surface.
func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const (
	ledgerContainsSQL = `
SELECT EXISTS (
    SELECT 1 FROM processed_event
    WHERE consumer_name = $1 AND event_id = $2
);
`

	ledgerRecordSQL = `
INSERT INTO processed_event (consumer_name, event_id, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (consumer_name, event_id) DO NOTHING;
`

	ledgerPurgeSQL = `
DELETE FROM processed_event
WHERE processed_at < $1;
`
)

// Contains reports whether the consumer already processed the event.
func (s *LedgerStore) Contains(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("ledger store: nil db")
	}
	var exists bool
	if err := s.db.QueryRow(ctx, ledgerContainsSQL, strings.TrimSpace(consumer), eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger store: contains: %w", err)
	}
	return exists, nil
}

// Record inserts the ledger entry. A second call for the same key is a no-op.
func (s *LedgerStore) Record(ctx context.Context, consumer string, eventID uuid.UUID, processedAt time.Time) error {
	if s.db == nil {
		return fmt.Errorf("ledger store: nil db")
	}
	if _, err := s.db.Exec(ctx, ledgerRecordSQL,
		strings.TrimSpace(consumer), eventID, processedAt.UTC()); err != nil {
		return fmt.Errorf("ledger store: record: %w", err)
	}
	return nil
}

// Purge deletes entries processed before the cutoff.
func (s *LedgerStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("ledger store: nil db")
	}
	tag, err := s.db.Exec(ctx, ledgerPurgeSQL, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ ledgerstore.Store = (*LedgerStore)(nil)
