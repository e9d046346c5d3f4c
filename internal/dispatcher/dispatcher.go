// Package dispatcher consumes broker destinations and routes decoded
// envelopes to their registered handlers with idempotent, traced delivery.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wallethub/wallethub/config"
	"github.com/wallethub/wallethub/errs"
	"github.com/wallethub/wallethub/internal/domain/ledgerstore"
	"github.com/wallethub/wallethub/internal/envelope"
	"github.com/wallethub/wallethub/internal/infra/broker"
	"github.com/wallethub/wallethub/internal/observability"
	"github.com/wallethub/wallethub/internal/telemetry"
)

// Handler processes one decoded envelope. A nil return acknowledges the
// delivery; a retryable error triggers redelivery.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Dispatcher drives one destination subscription. The broker serializes
// deliveries per partition, so handlers for the same saga never race within a
// destination.
type Dispatcher struct {
	destination  string
	consumerName string
	ledger       ledgerstore.Store
	handlers     map[string]Handler
	timeout      time.Duration
	dlq          *observability.DeadLetterQueue
	tracer       *telemetry.Tracer
	clock        func() time.Time
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithDeadLetterQueue attaches a DLQ receiving poison deliveries.
func WithDeadLetterQueue(dlq *observability.DeadLetterQueue) Option {
	return func(d *Dispatcher) { d.dlq = dlq }
}

// WithClock overrides the dispatcher's time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// New builds a dispatcher for one destination.
func New(destination string, ledger ledgerstore.Store, handlers map[string]Handler, cfg config.ConsumerSettings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		destination:  destination,
		consumerName: cfg.GroupName,
		ledger:       ledger,
		handlers:     handlers,
		timeout:      cfg.HandlerTimeout,
		dlq:          nil,
		tracer:       telemetry.NewTracer("wallethub.dispatcher"),
		clock:        time.Now,
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run subscribes and processes deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, sub broker.Subscriber) error {
	return sub.Subscribe(ctx, d.destination, d.Handle)
}

// Handle processes one delivery and decides its disposition.
func (d *Dispatcher) Handle(ctx context.Context, delivery broker.Delivery) broker.Disposition {
	env, err := envelope.Decode(delivery.Value)
	if err != nil {
		d.dropPoison(ctx, delivery, err)
		return broker.Ack
	}

	parentCtx := telemetry.ContextFromTraceparent(ctx, env.Traceparent, env.Tracestate)
	spanCtx, span := d.tracer.StartSpan(parentCtx, telemetry.SpanConsumePrefix+env.Type, trace.SpanKindConsumer,
		telemetry.ConsumeAttributes(delivery.Destination, delivery.Partition, delivery.Offset,
			env.ID.String(), telemetry.CorrelationString(env.CorrelationID))...)

	if env.SendTimestamp > 0 {
		lag := d.clock().UnixMilli() - env.SendTimestamp
		span.SetAttribute(telemetry.AttrConsumerLagMS.Int64(lag))
		telemetry.Default().RecordConsumerLag(spanCtx, delivery.Destination, lag)
	}

	seen, err := d.ledger.Contains(spanCtx, d.consumerName, env.ID)
	if err != nil {
		span.End(err)
		return broker.Retry
	}
	if seen {
		telemetry.Default().RecordDuplicate(spanCtx, d.consumerName, delivery.Destination)
		span.SetAttribute(telemetry.AttrDuplicate.Bool(true))
		span.End(nil)
		return broker.Ack
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		observability.Log().Warn("no handler for envelope type",
			observability.Field{Key: "type", Value: env.Type},
			observability.Field{Key: "destination", Value: delivery.Destination},
		)
		span.End(nil)
		return broker.Ack
	}

	handlerCtx, cancel := context.WithTimeout(spanCtx, d.timeout)
	err = handler(handlerCtx, &env)
	cancel()

	if err == nil {
		d.recordProcessed(spanCtx, env.ID)
		span.End(nil)
		return broker.Ack
	}
	if recoverable(err) {
		span.RecordError(err)
		span.End(err)
		return broker.Retry
	}

	// Permanent failure. Acknowledge so the broker stops redelivering; the
	// ledger stays clean because no side effect happened.
	observability.Log().Error("handler failed permanently",
		observability.Field{Key: "type", Value: env.Type},
		observability.Field{Key: "envelope_id", Value: env.ID.String()},
		observability.Field{Key: "error", Value: err.Error()},
	)
	span.RecordError(err)
	span.End(err)
	return broker.Ack
}

// recordProcessed writes the idempotency ledger entry. At-least-once
// semantics tolerate a failed write; the handler must stay effect-idempotent.
func (d *Dispatcher) recordProcessed(ctx context.Context, eventID uuid.UUID) {
	if err := d.ledger.Record(ctx, d.consumerName, eventID, d.clock().UTC()); err != nil {
		observability.Log().Error("idempotency record failed",
			observability.Field{Key: "consumer", Value: d.consumerName},
			observability.Field{Key: "envelope_id", Value: eventID.String()},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

// dropPoison acknowledges an undecodable delivery and preserves it for
// operator inspection.
func (d *Dispatcher) dropPoison(ctx context.Context, delivery broker.Delivery, cause error) {
	_, span := d.tracer.StartSpan(ctx, "consume.poison", trace.SpanKindInternal,
		telemetry.AttrDestination.String(delivery.Destination),
		telemetry.AttrKafkaPartition.Int(int(delivery.Partition)),
		telemetry.AttrKafkaOffset.Int64(delivery.Offset),
	)
	span.RecordError(cause)
	span.End(cause)
	telemetry.Default().RecordPoison(ctx, delivery.Destination)
	observability.Log().Error("dropping undecodable envelope",
		observability.Field{Key: "destination", Value: delivery.Destination},
		observability.Field{Key: "partition", Value: delivery.Partition},
		observability.Field{Key: "offset", Value: delivery.Offset},
		observability.Field{Key: "error", Value: cause.Error()},
	)
	if d.dlq != nil {
		d.dlq.Offer(observability.PoisonMessage{
			Destination: delivery.Destination,
			Partition:   delivery.Partition,
			Offset:      delivery.Offset,
			Payload:     delivery.Value,
			Reason:      cause.Error(),
			ReceivedAt:  d.clock().UTC(),
		})
	}
}

// recoverable reports whether the failure should trigger redelivery.
// Version contention and transient infrastructure failures recover on a later
// delivery; invalid transitions and unknown sagas never will, so redelivering
// them would only loop.
func recoverable(err error) bool {
	if errors.Is(err, errs.ErrInvalidTransition) || errors.Is(err, errs.ErrUnknownSaga) {
		return false
	}
	return errs.IsRetryable(err) ||
		errors.Is(err, errs.ErrConcurrentTransition) ||
		errors.Is(err, context.DeadlineExceeded)
}
