package saga

import (
	"errors"
	"testing"

	"github.com/wallethub/wallethub/errs"
)

func TestApplyHappyPath(t *testing.T) {
	steps := []struct {
		evt  Event
		want State
	}{
		{EventWalletCreated, StateWalletCreated},
		{EventFundsAdded, StateFundsAdded},
		{EventFundsWithdrawn, StateFundsWithdrawn},
		{EventFundsTransferred, StateFundsTransferred},
		{EventSagaCompleted, StateCompleted},
	}
	state := StateInitial
	for _, step := range steps {
		next, err := Apply(state, step.evt)
		if err != nil {
			t.Fatalf("apply %s from %s: %v", step.evt, state, err)
		}
		if next != step.want {
			t.Fatalf("apply %s from %s: got %s want %s", step.evt, state, next, step.want)
		}
		state = next
	}
	if !state.Terminal() {
		t.Fatalf("expected terminal state, got %s", state)
	}
}

func TestApplyFailureFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []State{StateInitial, StateWalletCreated, StateFundsAdded, StateFundsWithdrawn, StateFundsTransferred} {
		next, err := Apply(from, EventSagaFailed)
		if err != nil {
			t.Fatalf("SAGA_FAILED from %s: %v", from, err)
		}
		if next != StateFailed {
			t.Fatalf("SAGA_FAILED from %s: got %s", from, next)
		}
	}
}

func TestApplyRejectsUnknownEdgesWithoutMutating(t *testing.T) {
	cases := []struct {
		from State
		evt  Event
	}{
		{StateInitial, EventFundsAdded},
		{StateInitial, EventFundsWithdrawn},
		{StateWalletCreated, EventFundsTransferred},
		{StateFundsAdded, EventWalletCreated},
		{StateCompleted, EventSagaFailed},
		{StateFailed, EventSagaFailed},
		{StateCompleted, EventWalletCreated},
	}
	for _, tc := range cases {
		next, err := Apply(tc.from, tc.evt)
		if !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("%s on %s: expected ErrInvalidTransition, got %v", tc.evt, tc.from, err)
		}
		if next != tc.from {
			t.Fatalf("%s on %s: state mutated to %s", tc.evt, tc.from, next)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	if StateInitial.Terminal() {
		t.Fatalf("INITIAL must not be terminal")
	}
	if !StateFailed.Terminal() || !StateCompleted.Terminal() {
		t.Fatalf("COMPLETED and FAILED must be terminal")
	}
	if State("SOMETHING").Valid() {
		t.Fatalf("unknown state reported valid")
	}
	if !StateFundsWithdrawn.Valid() {
		t.Fatalf("FUNDS_WITHDRAWN must be valid")
	}
}
