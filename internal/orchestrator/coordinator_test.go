package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wallethub/wallethub/config"
	"github.com/wallethub/wallethub/errs"
	"github.com/wallethub/wallethub/internal/domain/saga"
	"github.com/wallethub/wallethub/internal/envelope"
)

type fakeStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]saga.Snapshot
	loadErr   error
	// failSaves makes the next N Save calls report a version mismatch.
	failSaves int
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: make(map[uuid.UUID]saga.Snapshot)}
}

func (s *fakeStore) Load(_ context.Context, sagaID uuid.UUID) (saga.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return saga.Snapshot{}, false, s.loadErr
	}
	snap, ok := s.snapshots[sagaID]
	return snap, ok, nil
}

func (s *fakeStore) Create(_ context.Context, snap saga.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.SagaID]; exists {
		return errors.New("duplicate saga")
	}
	s.snapshots[snap.SagaID] = snap
	return nil
}

func (s *fakeStore) Save(_ context.Context, snap saga.Snapshot, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSaves > 0 {
		s.failSaves--
		return false, nil
	}
	current, ok := s.snapshots[snap.SagaID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	s.snapshots[snap.SagaID] = snap
	return true, nil
}

func newCoordinator(store saga.Store) *Coordinator {
	return New(store, config.SagaSettings{MaxTransitionRetries: 3, RetryDelay: time.Millisecond})
}

func TestTransitionHappyPathToCompletion(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store)
	sagaID := uuid.New()
	ctx := context.Background()

	sequence := []saga.Event{
		saga.EventWalletCreated,
		saga.EventFundsAdded,
		saga.EventFundsWithdrawn,
		saga.EventFundsTransferred,
		saga.EventSagaCompleted,
	}
	var snap saga.Snapshot
	var err error
	for _, evt := range sequence {
		snap, err = c.Transition(ctx, sagaID, evt, uuid.New())
		if err != nil {
			t.Fatalf("transition %s: %v", evt, err)
		}
	}
	if snap.State != saga.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", snap.State)
	}
	if snap.Version != 5 {
		t.Fatalf("expected version 5, got %d", snap.Version)
	}
}

func TestTransitionUnknownSaga(t *testing.T) {
	c := newCoordinator(newFakeStore())
	_, err := c.Transition(context.Background(), uuid.New(), saga.EventFundsAdded, uuid.New())
	if !errors.Is(err, errs.ErrUnknownSaga) {
		t.Fatalf("expected ErrUnknownSaga, got %v", err)
	}
}

func TestTransitionInvalidEdgeLeavesSnapshot(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store)
	sagaID := uuid.New()
	ctx := context.Background()

	if _, err := c.Transition(ctx, sagaID, saga.EventWalletCreated, uuid.New()); err != nil {
		t.Fatalf("seed transition: %v", err)
	}
	_, err := c.Transition(ctx, sagaID, saga.EventFundsTransferred, uuid.New())
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	snap, _, _ := store.Load(ctx, sagaID)
	if snap.State != saga.StateWalletCreated || snap.Version != 1 {
		t.Fatalf("rejected transition mutated snapshot: %+v", snap)
	}
}

func TestTransitionTerminalSagaIsNoOp(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store)
	sagaID := uuid.New()
	ctx := context.Background()

	if _, err := c.Transition(ctx, sagaID, saga.EventWalletCreated, uuid.New()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := c.Transition(ctx, sagaID, saga.EventSagaFailed, uuid.New()); err != nil {
		t.Fatalf("fail: %v", err)
	}
	snap, err := c.Transition(ctx, sagaID, saga.EventFundsAdded, uuid.New())
	if err != nil {
		t.Fatalf("terminal saga event must be ignored, got %v", err)
	}
	if snap.State != saga.StateFailed || snap.Version != 2 {
		t.Fatalf("terminal snapshot changed: %+v", snap)
	}
}

func TestTransitionVersionConflictRetriesThenSucceeds(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store)
	sagaID := uuid.New()
	ctx := context.Background()

	if _, err := c.Transition(ctx, sagaID, saga.EventWalletCreated, uuid.New()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.failSaves = 2
	snap, err := c.Transition(ctx, sagaID, saga.EventFundsAdded, uuid.New())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if snap.State != saga.StateFundsAdded || snap.Version != 2 {
		t.Fatalf("unexpected snapshot after retries: %+v", snap)
	}
}

func TestTransitionVersionConflictExhaustion(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store)
	sagaID := uuid.New()
	ctx := context.Background()

	if _, err := c.Transition(ctx, sagaID, saga.EventWalletCreated, uuid.New()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.failSaves = 10
	_, err := c.Transition(ctx, sagaID, saga.EventFundsAdded, uuid.New())
	if !errors.Is(err, errs.ErrConcurrentTransition) {
		t.Fatalf("expected ErrConcurrentTransition, got %v", err)
	}
}

func TestTransitionNilSagaIDBecomesFailure(t *testing.T) {
	c := newCoordinator(newFakeStore())
	_, err := c.Transition(context.Background(), uuid.Nil, saga.EventFundsAdded, uuid.New())
	if !errors.Is(err, errs.ErrUnknownSaga) {
		t.Fatalf("expected ErrUnknownSaga for nil saga id, got %v", err)
	}
}

func TestHandleCompletesAfterFundsTransferred(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store)
	sagaID := uuid.New()
	ctx := context.Background()

	types := []string{
		"walletCreatedEventProducer",
		"fundsAddedEventProducer",
		"fundsWithdrawnEventProducer",
		"fundsTransferredEventProducer",
	}
	for _, typ := range types {
		env := &envelope.Envelope{ID: uuid.New(), Type: typ, Source: "/wallet-hub", CorrelationID: sagaID}
		if err := c.Handle(ctx, env); err != nil {
			t.Fatalf("handle %s: %v", typ, err)
		}
	}
	snap, _, _ := store.Load(ctx, sagaID)
	if snap.State != saga.StateCompleted || snap.Version != 5 {
		t.Fatalf("expected COMPLETED at version 5, got %+v", snap)
	}
}

func TestHandleResumesCompletionAfterPartialTransfer(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store)
	sagaID := uuid.New()
	ctx := context.Background()

	// A worker that crashed between the transfer and completion transitions
	// leaves the snapshot parked at FUNDS_TRANSFERRED. The redelivered
	// transfer event must finish the saga rather than be rejected.
	store.snapshots[sagaID] = saga.Snapshot{
		SagaID:  sagaID,
		State:   saga.StateFundsTransferred,
		Version: 4,
	}

	env := &envelope.Envelope{
		ID: uuid.New(), Type: "fundsTransferredEventProducer", Source: "/wallet-hub", CorrelationID: sagaID,
	}
	if err := c.Handle(ctx, env); err != nil {
		t.Fatalf("redelivered transfer must complete the saga, got %v", err)
	}
	snap, _, _ := store.Load(ctx, sagaID)
	if snap.State != saga.StateCompleted || snap.Version != 5 {
		t.Fatalf("expected COMPLETED at version 5, got %+v", snap)
	}

	// The transfer event stays rejected for any other parked state.
	otherID := uuid.New()
	store.mu.Lock()
	store.snapshots[otherID] = saga.Snapshot{SagaID: otherID, State: saga.StateWalletCreated, Version: 1}
	store.mu.Unlock()
	env = &envelope.Envelope{
		ID: uuid.New(), Type: "fundsTransferredEventProducer", Source: "/wallet-hub", CorrelationID: otherID,
	}
	if err := c.Handle(ctx, env); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for out-of-order transfer, got %v", err)
	}
}

func TestHandleUnknownTypeRejected(t *testing.T) {
	c := newCoordinator(newFakeStore())
	env := &envelope.Envelope{ID: uuid.New(), Type: "mystery", Source: "/wallet-hub", CorrelationID: uuid.New()}
	if err := c.Handle(context.Background(), env); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unmapped type, got %v", err)
	}
}
