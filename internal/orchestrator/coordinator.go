// Package orchestrator advances wallet sagas in response to consumed events.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wallethub/wallethub/config"
	"github.com/wallethub/wallethub/errs"
	"github.com/wallethub/wallethub/internal/domain/saga"
	"github.com/wallethub/wallethub/internal/domain/schema"
	"github.com/wallethub/wallethub/internal/envelope"
	"github.com/wallethub/wallethub/internal/observability"
	"github.com/wallethub/wallethub/internal/telemetry"
)

const component = "orchestrator"

// eventFor maps wire event types onto saga transition triggers.
var eventFor = map[schema.EventType]saga.Event{
	schema.EventTypeWalletCreated:    saga.EventWalletCreated,
	schema.EventTypeFundsAdded:       saga.EventFundsAdded,
	schema.EventTypeFundsWithdrawn:   saga.EventFundsWithdrawn,
	schema.EventTypeFundsTransferred: saga.EventFundsTransferred,
}

// EventFor resolves the saga event triggered by a wire event type.
func EventFor(typ schema.EventType) (saga.Event, bool) {
	evt, ok := eventFor[typ]
	return evt, ok
}

// Coordinator loads, applies, and saves saga snapshots under optimistic
// version control.
type Coordinator struct {
	store      saga.Store
	maxRetries int
	retryDelay time.Duration
	tracer     *telemetry.Tracer
	clock      func() time.Time
}

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithClock overrides the transition timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New builds a coordinator over the snapshot store.
func New(store saga.Store, cfg config.SagaSettings, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		maxRetries: cfg.MaxTransitionRetries,
		retryDelay: cfg.RetryDelay,
		tracer:     telemetry.NewTracer("wallethub.orchestrator"),
		clock:      time.Now,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 25 * time.Millisecond
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Handle advances the saga identified by the envelope's correlation id. The
// funds-transferred step also drives the completion transition so the saga
// reaches its terminal state without a dedicated completion topic.
func (c *Coordinator) Handle(ctx context.Context, env *envelope.Envelope) error {
	evt, ok := EventFor(schema.EventType(env.Type))
	if !ok {
		return errs.New(component, errs.CodeInvalidTransition,
			errs.WithMessage("no saga event for envelope type"),
			errs.WithField("type", env.Type),
			errs.WithCause(errs.ErrInvalidTransition))
	}
	snap, err := c.Transition(ctx, env.CorrelationID, evt, env.ID)
	if err != nil {
		if evt == saga.EventFundsTransferred && errors.Is(err, errs.ErrInvalidTransition) {
			return c.resumeCompletion(ctx, env.CorrelationID, env.ID, err)
		}
		return err
	}
	if evt == saga.EventFundsTransferred && !snap.State.Terminal() {
		_, err = c.Transition(ctx, env.CorrelationID, saga.EventSagaCompleted, env.ID)
	}
	return err
}

// resumeCompletion finishes a saga parked at FUNDS_TRANSFERRED. A crash
// between the transfer and completion transitions leaves the snapshot in that
// state, so the redelivered transfer event drives the completion instead of
// being rejected. Any other state keeps the original rejection.
func (c *Coordinator) resumeCompletion(ctx context.Context, sagaID, eventID uuid.UUID, rejection error) error {
	snap, found, err := c.store.Load(ctx, sagaID)
	if err != nil || !found || snap.State != saga.StateFundsTransferred {
		return rejection
	}
	_, err = c.Transition(ctx, sagaID, saga.EventSagaCompleted, eventID)
	return err
}

// Fail drives the saga to FAILED regardless of its current non-terminal state.
func (c *Coordinator) Fail(ctx context.Context, sagaID, eventID uuid.UUID) error {
	_, err := c.Transition(ctx, sagaID, saga.EventSagaFailed, eventID)
	return err
}

// Transition applies one saga event. Version conflicts are retried with a
// small delay; exhaustion surfaces ErrConcurrentTransition. Events for sagas
// already in a terminal state return the snapshot unchanged.
func (c *Coordinator) Transition(ctx context.Context, sagaID uuid.UUID, evt saga.Event, eventID uuid.UUID) (saga.Snapshot, error) {
	if sagaID == uuid.Nil {
		evt = saga.EventSagaFailed
	}

	ctx, span := c.tracer.StartSpan(ctx, telemetry.SpanSagaTransition, trace.SpanKindInternal,
		telemetry.AttrCorrelationID.String(sagaID.String()),
		telemetry.AttrEventType.String(string(evt)),
	)

	snap, err := backoff.Retry(ctx, func() (saga.Snapshot, error) {
		return c.attempt(ctx, sagaID, evt, eventID)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
	)
	if err == nil {
		span.SetAttribute(telemetry.AttrSagaState.String(string(snap.State)))
	} else {
		telemetry.Default().RecordTransitionError(ctx, string(errCode(err)))
	}
	span.End(err)
	return snap, err
}

func (c *Coordinator) attempt(ctx context.Context, sagaID uuid.UUID, evt saga.Event, eventID uuid.UUID) (saga.Snapshot, error) {
	snap, found, err := c.store.Load(ctx, sagaID)
	if err != nil {
		return saga.Snapshot{}, backoff.Permanent(errs.New(component, errs.CodeStorage,
			errs.WithMessage("load snapshot"), errs.WithRetryable(), errs.WithCause(err)))
	}

	if !found {
		if evt != saga.EventWalletCreated {
			return saga.Snapshot{}, backoff.Permanent(errs.New(component, errs.CodeUnknownSaga,
				errs.WithMessage("non-initial event for unknown saga"),
				errs.WithField("saga_id", sagaID.String()),
				errs.WithField("event", string(evt)),
				errs.WithCause(errs.ErrUnknownSaga)))
		}
		snap = saga.Snapshot{SagaID: sagaID, State: saga.StateInitial, Version: 0}
		if err := c.store.Create(ctx, snap); err != nil {
			// Another worker may have created the snapshot first; reload
			// and contend on the version instead.
			return saga.Snapshot{}, conflictErr(err)
		}
	}

	if snap.State.Terminal() {
		observability.Log().Warn("event ignored for terminal saga",
			observability.Field{Key: "saga_id", Value: sagaID.String()},
			observability.Field{Key: "state", Value: string(snap.State)},
			observability.Field{Key: "event", Value: string(evt)},
		)
		return snap, nil
	}

	next, err := saga.Apply(snap.State, evt)
	if err != nil {
		return saga.Snapshot{}, backoff.Permanent(errs.New(component, errs.CodeInvalidTransition,
			errs.WithMessage("transition rejected"),
			errs.WithField("saga_id", sagaID.String()),
			errs.WithField("state", string(snap.State)),
			errs.WithField("event", string(evt)),
			errs.WithCause(errs.ErrInvalidTransition)))
	}

	updated := snap
	updated.State = next
	updated.Version = snap.Version + 1
	updated.LastEventID = eventID
	updated.LastTransitionAt = c.clock().UTC()

	saved, err := c.store.Save(ctx, updated, snap.Version)
	if err != nil {
		return saga.Snapshot{}, backoff.Permanent(errs.New(component, errs.CodeStorage,
			errs.WithMessage("save snapshot"), errs.WithRetryable(), errs.WithCause(err)))
	}
	if !saved {
		return saga.Snapshot{}, conflictErr(nil)
	}
	return updated, nil
}

func conflictErr(cause error) error {
	opts := []errs.Option{
		errs.WithMessage("snapshot version conflict"),
		errs.WithRetryable(),
		errs.WithCause(errs.ErrConcurrentTransition),
	}
	if cause != nil {
		opts = append(opts, errs.WithField("create_error", cause.Error()))
	}
	return errs.New(component, errs.CodeConcurrentTransition, opts...)
}

func errCode(err error) errs.Code {
	var structured *errs.E
	if errors.As(err, &structured) {
		return structured.Code
	}
	return "unknown"
}
