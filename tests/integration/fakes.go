package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallethub/wallethub/internal/domain/outboxstore"
	"github.com/wallethub/wallethub/internal/domain/saga"
)

// memOutbox is an in-memory outbox store preserving append order.
type memOutbox struct {
	mu   sync.Mutex
	rows []outboxstore.Record
}

func newMemOutbox() *memOutbox { return &memOutbox{} }

func (s *memOutbox) Append(_ context.Context, evt outboxstore.Event) (outboxstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := outboxstore.Record{
		ID:            uuid.New(),
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		CorrelationID: evt.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	}
	s.rows = append(s.rows, rec)
	return rec, nil
}

func (s *memOutbox) FetchUnsent(_ context.Context, limit int) ([]outboxstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.Record
	for _, r := range s.rows {
		if !r.Sent {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memOutbox) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			s.rows[i].Sent = true
			if s.rows[i].SentAt == nil {
				at := sentAt
				s.rows[i].SentAt = &at
			}
			s.rows[i].AttemptCount++
			return nil
		}
	}
	return errors.New("row not found")
}

func (s *memOutbox) RecordAttempt(_ context.Context, id uuid.UUID, attemptErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			s.rows[i].AttemptCount++
			s.rows[i].LastError = attemptErr
			return nil
		}
	}
	return errors.New("row not found")
}

func (s *memOutbox) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []outboxstore.Record
	var purged int64
	for _, r := range s.rows {
		if r.Sent && r.SentAt != nil && r.SentAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return purged, nil
}

// resend flips a sent row back to unsent, mimicking a crash between the
// broker publish and the markSent write.
func (s *memOutbox) resend(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			s.rows[i].Sent = false
			s.rows[i].SentAt = nil
			return true
		}
	}
	return false
}

func (s *memOutbox) record(id uuid.UUID) (outboxstore.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			return r, true
		}
	}
	return outboxstore.Record{}, false
}

func (s *memOutbox) unsent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if !r.Sent {
			n++
		}
	}
	return n
}

// memSagaStore is an in-memory snapshot store with optimistic versioning.
type memSagaStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]saga.Snapshot
}

func newMemSagaStore() *memSagaStore {
	return &memSagaStore{snapshots: make(map[uuid.UUID]saga.Snapshot)}
}

func (s *memSagaStore) Load(_ context.Context, sagaID uuid.UUID) (saga.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[sagaID]
	return snap, ok, nil
}

func (s *memSagaStore) Create(_ context.Context, snap saga.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.SagaID]; exists {
		return errors.New("saga exists")
	}
	s.snapshots[snap.SagaID] = snap
	return nil
}

func (s *memSagaStore) Save(_ context.Context, snap saga.Snapshot, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.snapshots[snap.SagaID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	s.snapshots[snap.SagaID] = snap
	return true, nil
}

func (s *memSagaStore) snapshot(sagaID uuid.UUID) (saga.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[sagaID]
	return snap, ok
}

// memLedger is an in-memory idempotency ledger.
type memLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]time.Time)}
}

func (l *memLedger) Contains(_ context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[consumer+"/"+eventID.String()]
	return ok, nil
}

func (l *memLedger) Record(_ context.Context, consumer string, eventID uuid.UUID, processedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[consumer+"/"+eventID.String()] = processedAt
	return nil
}

func (l *memLedger) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var purged int64
	for k, at := range l.entries {
		if at.Before(olderThan) {
			delete(l.entries, k)
			purged++
		}
	}
	return purged, nil
}
