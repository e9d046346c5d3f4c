package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments groups the otel metric instruments maintained by the core.
type Instruments struct {
	publishAttempts  metric.Int64Counter
	publishFailures  metric.Int64Counter
	poisonMessages   metric.Int64Counter
	duplicateDrops   metric.Int64Counter
	missingBindings  metric.Int64Counter
	consumerLag      metric.Int64Histogram
	transitionErrors metric.Int64Counter
}

var (
	defaultInstruments     *Instruments
	defaultInstrumentsOnce sync.Once
)

// NewInstruments builds the instrument set on the provided meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	inst := new(Instruments)
	var err error
	if inst.publishAttempts, err = meter.Int64Counter("wallethub_outbox_publish_attempts_total",
		metric.WithDescription("Publish attempts made by the outbox publisher"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("create publish attempts counter: %w", err)
	}
	if inst.publishFailures, err = meter.Int64Counter("wallethub_outbox_publish_failures_total",
		metric.WithDescription("Publish attempts that did not reach broker acknowledgment"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("create publish failures counter: %w", err)
	}
	if inst.poisonMessages, err = meter.Int64Counter("wallethub_consumer_poison_total",
		metric.WithDescription("Envelopes dropped because they could not be decoded"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("create poison counter: %w", err)
	}
	if inst.duplicateDrops, err = meter.Int64Counter("wallethub_consumer_duplicates_total",
		metric.WithDescription("Deliveries acknowledged without processing via the idempotency ledger"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("create duplicate counter: %w", err)
	}
	if inst.missingBindings, err = meter.Int64Counter("wallethub_outbox_missing_binding_total",
		metric.WithDescription("Outbox rows skipped because their event type has no destination binding"),
		metric.WithUnit("{row}")); err != nil {
		return nil, fmt.Errorf("create missing binding counter: %w", err)
	}
	if inst.consumerLag, err = meter.Int64Histogram("wallethub_consumer_lag",
		metric.WithDescription("Receive time minus envelope sendtimestamp"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create consumer lag histogram: %w", err)
	}
	if inst.transitionErrors, err = meter.Int64Counter("wallethub_saga_transition_errors_total",
		metric.WithDescription("Saga transitions rejected or exhausted"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, fmt.Errorf("create transition errors counter: %w", err)
	}
	return inst, nil
}

// Default returns the process-wide instrument set bound to the global meter
// provider, constructing it on first use.
func Default() *Instruments {
	defaultInstrumentsOnce.Do(func() {
		inst, err := NewInstruments(otel.Meter("wallethub.core"))
		if err == nil {
			defaultInstruments = inst
		}
	})
	return defaultInstruments
}

// RecordPublishAttempt counts one publish attempt for the destination.
func (i *Instruments) RecordPublishAttempt(ctx context.Context, destination string, failed bool) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(AttrDestination.String(destination))
	i.publishAttempts.Add(ctx, 1, attrs)
	if failed {
		i.publishFailures.Add(ctx, 1, attrs)
	}
}

// RecordPoison counts one undecodable delivery on the destination.
func (i *Instruments) RecordPoison(ctx context.Context, destination string) {
	if i == nil {
		return
	}
	i.poisonMessages.Add(ctx, 1, metric.WithAttributes(AttrDestination.String(destination)))
}

// RecordDuplicate counts one delivery skipped via the idempotency ledger.
func (i *Instruments) RecordDuplicate(ctx context.Context, consumer, destination string) {
	if i == nil {
		return
	}
	i.duplicateDrops.Add(ctx, 1, metric.WithAttributes(
		AttrConsumerName.String(consumer),
		AttrDestination.String(destination),
	))
}

// RecordMissingBinding counts one outbox row with no destination binding.
func (i *Instruments) RecordMissingBinding(ctx context.Context, eventType string) {
	if i == nil {
		return
	}
	i.missingBindings.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

// RecordConsumerLag records the delivery lag for the destination.
func (i *Instruments) RecordConsumerLag(ctx context.Context, destination string, lagMS int64) {
	if i == nil {
		return
	}
	i.consumerLag.Record(ctx, lagMS, metric.WithAttributes(AttrDestination.String(destination)))
}

// RecordTransitionError counts one rejected or exhausted saga transition.
func (i *Instruments) RecordTransitionError(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.transitionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
