// Package broker defines the messaging contracts the core publishes and
// consumes through. Concrete transports live in the kafka and memory
// subpackages.
package broker

import "context"

// Message is an outbound record headed for a destination topic.
type Message struct {
	Destination string
	Key         []byte
	Value       []byte
}

// Delivery is an inbound record handed to a dispatcher.
type Delivery struct {
	Destination string
	Partition   int32
	Offset      int64
	Key         []byte
	Value       []byte
}

// Disposition tells the transport what to do with a handled delivery.
type Disposition int

const (
	// Ack marks the delivery processed; the transport will not redeliver it.
	Ack Disposition = iota
	// Retry rejects the delivery for redelivery; ordering within the
	// partition is preserved.
	Retry
)

// HandleFunc processes one delivery. Deliveries on the same partition arrive
// strictly in order; the next one is not handed over until this returns.
type HandleFunc func(ctx context.Context, d Delivery) Disposition

// Publisher sends messages and blocks until broker acknowledgment.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close()
}

// Subscriber consumes one destination until the context is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, destination string, fn HandleFunc) error
	Close()
}
