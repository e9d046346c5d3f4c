// Package telemetry provides the tracing facade and instruments for the
// wallet-hub event-distribution core.
package telemetry

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys used at the four instrumented hot points
// (outbox append, publish attempt, consumer receive, saga transition).
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrDestination names the broker destination (topic) of the message.
	AttrDestination = attribute.Key("messaging.destination")
	// AttrKafkaTopic mirrors the destination under the Kafka-specific key.
	AttrKafkaTopic = attribute.Key("messaging.kafka.topic")
	// AttrKafkaPartition records the partition a delivery arrived on.
	AttrKafkaPartition = attribute.Key("messaging.kafka.partition")
	// AttrKafkaOffset records the offset of a delivery within its partition.
	AttrKafkaOffset = attribute.Key("messaging.kafka.offset")
	// AttrMessageID carries the envelope id.
	AttrMessageID = attribute.Key("messaging.message.id")
	// AttrCorrelationID ties the span to a saga instance.
	AttrCorrelationID = attribute.Key("correlationid")
	// AttrConsumerLagMS records receive time minus sendtimestamp in milliseconds.
	AttrConsumerLagMS = attribute.Key("messaging.consumer.lag_ms")
	// AttrDuplicate flags deliveries skipped by the idempotency ledger.
	AttrDuplicate = attribute.Key("duplicate")
	// AttrEventType annotates metrics with the logical event type.
	AttrEventType = attribute.Key("event.type")
	// AttrSagaState labels transition telemetry with the resulting state.
	AttrSagaState = attribute.Key("saga.state")
	// AttrConsumerName identifies the consumer group performing the work.
	AttrConsumerName = attribute.Key("messaging.consumer.name")
)

// Span names for the instrumented hot points.
const (
	// SpanOutboxPublish wraps one publish attempt for one outbox row.
	SpanOutboxPublish = "outbox.publish"
	// SpanOutboxAppend wraps the transactional append of an outbox row.
	SpanOutboxAppend = "outbox.append"
	// SpanConsumePrefix prefixes consumer spans; the envelope type is appended.
	SpanConsumePrefix = "consume."
	// SpanSagaTransition wraps one persisted saga transition.
	SpanSagaTransition = "saga.transition"
)

// CorrelationString renders a correlation id for span attributes. The nil
// UUID becomes "" so the attribute helpers omit it instead of recording the
// zero value.
func CorrelationString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// MessagingAttributes returns the publish-side attribute set for a destination.
func MessagingAttributes(destination, correlationID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrDestination.String(destination),
		AttrKafkaTopic.String(destination),
	}
	if correlationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(correlationID))
	}
	return attrs
}

// ConsumeAttributes returns the consume-side attribute set for a delivery.
func ConsumeAttributes(destination string, partition int32, offset int64, messageID, correlationID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrDestination.String(destination),
		AttrKafkaPartition.Int(int(partition)),
		AttrKafkaOffset.Int64(offset),
		AttrMessageID.String(messageID),
	}
	if correlationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(correlationID))
	}
	return attrs
}
