// Package saga defines the wallet workflow state machine and its persistence contract.
package saga

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wallethub/wallethub/errs"
)

// State enumerates the persisted saga states.
type State string

const (
	StateInitial          State = "INITIAL"
	StateWalletCreated    State = "WALLET_CREATED"
	StateFundsAdded       State = "FUNDS_ADDED"
	StateFundsWithdrawn   State = "FUNDS_WITHDRAWN"
	StateFundsTransferred State = "FUNDS_TRANSFERRED"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
)

// Event enumerates the saga transition triggers.
type Event string

const (
	EventWalletCreated    Event = "WALLET_CREATED"
	EventFundsAdded       Event = "FUNDS_ADDED"
	EventFundsWithdrawn   Event = "FUNDS_WITHDRAWN"
	EventFundsTransferred Event = "FUNDS_TRANSFERRED"
	EventSagaCompleted    Event = "SAGA_COMPLETED"
	EventSagaFailed       Event = "SAGA_FAILED"
)

type edge struct {
	from State
	on   Event
}

// transitions is the closed edge set; anything absent fails the transition.
var transitions = map[edge]State{
	{StateInitial, EventWalletCreated}:          StateWalletCreated,
	{StateWalletCreated, EventFundsAdded}:       StateFundsAdded,
	{StateFundsAdded, EventFundsWithdrawn}:      StateFundsWithdrawn,
	{StateFundsWithdrawn, EventFundsTransferred}: StateFundsTransferred,
	{StateFundsTransferred, EventSagaCompleted}: StateCompleted,

	{StateInitial, EventSagaFailed}:          StateFailed,
	{StateWalletCreated, EventSagaFailed}:    StateFailed,
	{StateFundsAdded, EventSagaFailed}:       StateFailed,
	{StateFundsWithdrawn, EventSagaFailed}:   StateFailed,
	{StateFundsTransferred, EventSagaFailed}: StateFailed,
}

// Apply resolves the next state for the event. The input state is returned
// unchanged alongside ErrInvalidTransition when the edge is not in the graph.
func Apply(current State, evt Event) (State, error) {
	next, ok := transitions[edge{current, evt}]
	if !ok {
		return current, errs.ErrInvalidTransition
	}
	return next, nil
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether the state belongs to the machine.
func (s State) Valid() bool {
	switch s {
	case StateInitial, StateWalletCreated, StateFundsAdded, StateFundsWithdrawn,
		StateFundsTransferred, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Snapshot is the persisted per-saga record of current state and version.
type Snapshot struct {
	SagaID           uuid.UUID
	State            State
	Version          int
	LastEventID      uuid.UUID
	LastTransitionAt time.Time
}

// Store abstracts snapshot persistence guarded by optimistic versioning.
type Store interface {
	// Load returns the snapshot for the saga, or (zero, false, nil) when absent.
	Load(ctx context.Context, sagaID uuid.UUID) (Snapshot, bool, error)
	// Create inserts a snapshot at version 0; it fails if the saga already exists.
	Create(ctx context.Context, snap Snapshot) error
	// Save persists the snapshot only when the stored version equals
	// expectedVersion; it returns (false, nil) on a version mismatch.
	Save(ctx context.Context, snap Snapshot, expectedVersion int) (bool, error)
}
