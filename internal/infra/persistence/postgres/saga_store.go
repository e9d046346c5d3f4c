package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wallethub/wallethub/internal/domain/saga"
)

// SagaStore persists saga snapshots guarded by an optimistic version column.
type SagaStore struct {
	db DB
}

// NewSagaStore constructs a SagaStore over the provided query surface.
func NewSagaStore(db DB) *SagaStore {
	return &SagaStore{db: db}
}

const (
	sagaLoadSQL = `
SELECT saga_id, state, version, last_event_id, last_transition_at
FROM saga_snapshot
WHERE saga_id = $1;
`

	sagaCreateSQL = `
INSERT INTO saga_snapshot (saga_id, state, version, last_event_id, last_transition_at)
VALUES ($1, $2, $3, $4, NOW());
`

	sagaSaveSQL = `
UPDATE saga_snapshot
SET state = $2,
    version = $3,
    last_event_id = $4,
    last_transition_at = $5
WHERE saga_id = $1
  AND version = $6;
`
)

// Load fetches the snapshot for the saga; found is false when none exists.
func (s *SagaStore) Load(ctx context.Context, sagaID uuid.UUID) (saga.Snapshot, bool, error) {
	if s.db == nil {
		return saga.Snapshot{}, false, fmt.Errorf("saga store: nil db")
	}
	var (
		snap        saga.Snapshot
		state       string
		lastEventID pgtype.UUID
	)
	err := s.db.QueryRow(ctx, sagaLoadSQL, sagaID).Scan(
		&snap.SagaID, &state, &snap.Version, &lastEventID, &snap.LastTransitionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.Snapshot{}, false, nil
	}
	if err != nil {
		return saga.Snapshot{}, false, fmt.Errorf("saga store: load: %w", err)
	}
	snap.State = saga.State(state)
	if lastEventID.Valid {
		snap.LastEventID = uuid.UUID(lastEventID.Bytes)
	}
	return snap, true, nil
}

// Create inserts the snapshot; a duplicate saga id surfaces as an error so
// the caller can reload and contend on the version instead.
func (s *SagaStore) Create(ctx context.Context, snap saga.Snapshot) error {
	if s.db == nil {
		return fmt.Errorf("saga store: nil db")
	}
	var lastEventID any
	if snap.LastEventID != uuid.Nil {
		lastEventID = snap.LastEventID
	}
	if _, err := s.db.Exec(ctx, sagaCreateSQL,
		snap.SagaID, string(snap.State), snap.Version, lastEventID); err != nil {
		return fmt.Errorf("saga store: create: %w", err)
	}
	return nil
}

// Save persists the snapshot only when the stored version still equals
// expectedVersion. A lost race returns (false, nil).
func (s *SagaStore) Save(ctx context.Context, snap saga.Snapshot, expectedVersion int) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("saga store: nil db")
	}
	var lastEventID any
	if snap.LastEventID != uuid.Nil {
		lastEventID = snap.LastEventID
	}
	tag, err := s.db.Exec(ctx, sagaSaveSQL,
		snap.SagaID, string(snap.State), snap.Version, lastEventID,
		snap.LastTransitionAt.UTC(), expectedVersion)
	if err != nil {
		return false, fmt.Errorf("saga store: save: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

var _ saga.Store = (*SagaStore)(nil)
