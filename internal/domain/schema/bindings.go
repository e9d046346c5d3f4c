// Package schema defines the canonical event vocabulary and broker bindings.
package schema

import (
	"fmt"

	"github.com/wallethub/wallethub/errs"
)

// EventType is the logical name of a domain event as stored in the outbox and
// carried in the envelope "type" attribute.
type EventType string

const (
	// EventTypeWalletCreated names the wallet-provisioned event.
	EventTypeWalletCreated EventType = "walletCreatedEventProducer"
	// EventTypeFundsAdded names the deposit event.
	EventTypeFundsAdded EventType = "fundsAddedEventProducer"
	// EventTypeFundsWithdrawn names the withdrawal event.
	EventTypeFundsWithdrawn EventType = "fundsWithdrawnEventProducer"
	// EventTypeFundsTransferred names the transfer event.
	EventTypeFundsTransferred EventType = "fundsTransferredEventProducer"
)

// bindings is the single source of truth mapping event types to broker
// destinations. It is built once and never mutated.
var bindings = map[EventType]string{
	EventTypeWalletCreated:    "wallet-created-topic",
	EventTypeFundsAdded:       "funds-added-topic",
	EventTypeFundsWithdrawn:   "funds-withdrawn-topic",
	EventTypeFundsTransferred: "funds-transferred-topic",
}

// Destination resolves the broker topic bound to the event type.
func Destination(typ EventType) (string, error) {
	dest, ok := bindings[typ]
	if !ok {
		return "", fmt.Errorf("resolve destination for %q: %w", typ, errs.ErrNoBinding)
	}
	return dest, nil
}

// Destinations returns every bound topic in no particular order. Dispatchers
// subscribe to this set.
func Destinations() []string {
	out := make([]string, 0, len(bindings))
	for _, dest := range bindings {
		out = append(out, dest)
	}
	return out
}

// EventTypes returns every bound event type in no particular order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(bindings))
	for typ := range bindings {
		out = append(out, typ)
	}
	return out
}

// Known reports whether the event type has a binding.
func Known(typ EventType) bool {
	_, ok := bindings[typ]
	return ok
}
