package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wallethub/wallethub/internal/domain/outboxstore"
	"github.com/wallethub/wallethub/internal/infra/persistence/postgres"
	"github.com/wallethub/wallethub/internal/telemetry"
)

// Append records an event through the provided store under an instrumented
// span. Pass a transaction-bound store so the row commits or aborts with the
// caller's business write.
func Append(ctx context.Context, store outboxstore.Store, evt outboxstore.Event) (outboxstore.Record, error) {
	tracer := telemetry.NewTracer("wallethub.outbox")
	attrs := []attribute.KeyValue{telemetry.AttrEventType.String(evt.EventType)}
	if correlation := telemetry.CorrelationString(evt.CorrelationID); correlation != "" {
		attrs = append(attrs, telemetry.AttrCorrelationID.String(correlation))
	}
	ctx, span := tracer.StartSpan(ctx, telemetry.SpanOutboxAppend, trace.SpanKindInternal, attrs...)
	record, err := store.Append(ctx, evt)
	if err == nil {
		span.SetAttribute(telemetry.AttrMessageID.String(record.ID.String()))
	}
	span.End(err)
	return record, err
}

// AppendInTx runs the business write and the outbox append inside one
// transaction. Either both commit or neither does; a failed fn leaves no
// outbox row behind.
func AppendInTx(ctx context.Context, pool *pgxpool.Pool, store *postgres.OutboxStore, evt outboxstore.Event, fn func(ctx context.Context, tx pgx.Tx) error) (outboxstore.Record, error) {
	var record outboxstore.Record
	err := postgres.InTx(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
		if fn != nil {
			if err := fn(ctx, tx); err != nil {
				return err
			}
		}
		var appendErr error
		record, appendErr = Append(ctx, store.WithTx(tx), evt)
		return appendErr
	})
	if err != nil {
		return outboxstore.Record{}, err
	}
	return record, nil
}
