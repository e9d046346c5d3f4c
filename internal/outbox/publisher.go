// Package outbox moves committed outbox rows onto the broker and keeps the
// table bounded.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/wallethub/wallethub/config"
	"github.com/wallethub/wallethub/errs"
	"github.com/wallethub/wallethub/internal/domain/outboxstore"
	"github.com/wallethub/wallethub/internal/domain/schema"
	"github.com/wallethub/wallethub/internal/envelope"
	"github.com/wallethub/wallethub/internal/infra/broker"
	"github.com/wallethub/wallethub/internal/observability"
	"github.com/wallethub/wallethub/internal/telemetry"
)

const component = "outbox.publisher"

// missingBindingAlertThreshold is the attempt count past which a row with no
// destination binding is escalated from a warning to an error.
const missingBindingAlertThreshold = 10

// maxBackoffExponent caps the per-row retry delay at pollInterval * 2^6.
const maxBackoffExponent = 6

// Publisher is the single outbox drain loop. Exactly one instance runs per
// deployment; rows within a batch are published sequentially to preserve
// append order.
type Publisher struct {
	store    outboxstore.Store
	sink     broker.Publisher
	cfg      config.OutboxSettings
	tracer   *telemetry.Tracer
	limiter  *rate.Limiter
	clock    func() time.Time
	deferred map[uuid.UUID]time.Time
}

// Option adjusts publisher construction.
type Option func(*Publisher)

// WithClock overrides the publisher's time source.
func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewPublisher builds the drain loop over the outbox store and broker sink.
func NewPublisher(store outboxstore.Store, sink broker.Publisher, cfg config.OutboxSettings, opts ...Option) *Publisher {
	p := &Publisher{
		store:    store,
		sink:     sink,
		cfg:      cfg,
		tracer:   telemetry.NewTracer("wallethub.outbox"),
		limiter:  nil,
		clock:    time.Now,
		deferred: make(map[uuid.UUID]time.Time),
	}
	if cfg.PublishRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run polls until ctx is cancelled. A full batch triggers an immediate
// follow-up poll so a backlog drains faster than one batch per interval.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		published, err := p.publishBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.Log().Error("outbox batch failed",
				observability.Field{Key: "error", Value: err.Error()})
		}
		if published == p.cfg.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// publishBatch drains up to one batch of unsent rows and reports how many
// rows it attempted.
func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	rows, err := p.store.FetchUnsent(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, errs.New(component, errs.CodeStorage,
			errs.WithMessage("fetch unsent"), errs.WithRetryable(), errs.WithCause(err))
	}

	now := p.clock()
	attempted := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		if eligible, ok := p.deferred[row.ID]; ok && now.Before(eligible) {
			continue
		}
		attempted++
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return attempted, err
			}
		}
		p.publishRow(ctx, row)
	}
	return attempted, nil
}

func (p *Publisher) publishRow(ctx context.Context, row outboxstore.Record) {
	destination, err := schema.Destination(schema.EventType(row.EventType))
	if err != nil {
		p.recordFailure(ctx, row, err)
		if row.AttemptCount > missingBindingAlertThreshold {
			telemetry.Default().RecordMissingBinding(ctx, row.EventType)
			observability.Log().Error("outbox row has no destination binding",
				observability.Field{Key: "outbox_id", Value: row.ID.String()},
				observability.Field{Key: "event_type", Value: row.EventType},
				observability.Field{Key: "attempts", Value: row.AttemptCount},
			)
		} else {
			observability.Log().Warn("skipping outbox row with no binding",
				observability.Field{Key: "outbox_id", Value: row.ID.String()},
				observability.Field{Key: "event_type", Value: row.EventType},
			)
		}
		return
	}

	attrs := append(telemetry.MessagingAttributes(destination, telemetry.CorrelationString(row.CorrelationID)),
		telemetry.AttrMessageID.String(row.ID.String()))
	spanCtx, span := p.tracer.StartSpan(ctx, telemetry.SpanOutboxPublish, trace.SpanKindProducer, attrs...)

	now := p.clock()
	env := envelope.Envelope{
		ID:            row.ID,
		Type:          row.EventType,
		Source:        p.cfg.ProducerSource,
		Time:          row.CreatedAt,
		Data:          row.Payload,
		Traceparent:   telemetry.TraceparentFromContext(spanCtx),
		Tracestate:    "",
		CorrelationID: row.CorrelationID,
		SendTimestamp: now.UnixMilli(),
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		codecErr := errs.New(component, errs.CodeCodec,
			errs.WithMessage("encode envelope"), errs.WithCause(err))
		p.recordFailure(spanCtx, row, codecErr)
		telemetry.Default().RecordPublishAttempt(spanCtx, destination, true)
		span.RecordError(codecErr)
		span.End(codecErr)
		return
	}

	pubCtx, cancel := context.WithTimeout(spanCtx, p.cfg.PublishTimeout)
	err = p.sink.Publish(pubCtx, broker.Message{
		Destination: destination,
		Key:         row.CorrelationID[:],
		Value:       payload,
	})
	cancel()
	telemetry.Default().RecordPublishAttempt(spanCtx, destination, err != nil)
	if err != nil {
		p.recordFailure(spanCtx, row, err)
		span.RecordError(err)
		span.End(err)
		return
	}

	if err := p.store.MarkSent(spanCtx, row.ID, now); err != nil {
		// The publish succeeded; the row will be republished and consumers
		// deduplicate on envelope id.
		observability.Log().Error("mark sent failed",
			observability.Field{Key: "outbox_id", Value: row.ID.String()},
			observability.Field{Key: "error", Value: err.Error()},
		)
		span.End(err)
		return
	}
	delete(p.deferred, row.ID)
	span.End(nil)
}

// recordFailure persists the attempt and schedules the next one with
// exponential backoff on the attempt count.
func (p *Publisher) recordFailure(ctx context.Context, row outboxstore.Record, cause error) {
	if err := p.store.RecordAttempt(ctx, row.ID, cause.Error()); err != nil {
		observability.Log().Error("record attempt failed",
			observability.Field{Key: "outbox_id", Value: row.ID.String()},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
	exponent := row.AttemptCount
	if exponent > maxBackoffExponent {
		exponent = maxBackoffExponent
	}
	delay := p.cfg.PollInterval * (1 << exponent)
	p.deferred[row.ID] = p.clock().Add(delay)
}
