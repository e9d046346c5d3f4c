package wallet

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wallethub/wallethub/internal/domain/outboxstore"
	"github.com/wallethub/wallethub/internal/domain/schema"
	"github.com/wallethub/wallethub/internal/outbox"
)

// Producer stages wallet domain events in the outbox. Callers pass the store
// bound to their business transaction, so the event and the wallet write
// commit or abort together.
type Producer struct{}

// NewProducer constructs a Producer.
func NewProducer() *Producer {
	return &Producer{}
}

// WalletCreated stages a wallet-provisioned event under the saga correlation id.
func (p *Producer) WalletCreated(ctx context.Context, store outboxstore.Store, correlationID uuid.UUID, evt WalletCreated) (outboxstore.Record, error) {
	return p.stage(ctx, store, schema.EventTypeWalletCreated, correlationID, evt)
}

// FundsAdded stages a deposit event under the saga correlation id.
func (p *Producer) FundsAdded(ctx context.Context, store outboxstore.Store, correlationID uuid.UUID, evt FundsAdded) (outboxstore.Record, error) {
	return p.stage(ctx, store, schema.EventTypeFundsAdded, correlationID, evt)
}

// FundsWithdrawn stages a withdrawal event under the saga correlation id.
func (p *Producer) FundsWithdrawn(ctx context.Context, store outboxstore.Store, correlationID uuid.UUID, evt FundsWithdrawn) (outboxstore.Record, error) {
	return p.stage(ctx, store, schema.EventTypeFundsWithdrawn, correlationID, evt)
}

// FundsTransferred stages a transfer event under the saga correlation id.
func (p *Producer) FundsTransferred(ctx context.Context, store outboxstore.Store, correlationID uuid.UUID, evt FundsTransferred) (outboxstore.Record, error) {
	return p.stage(ctx, store, schema.EventTypeFundsTransferred, correlationID, evt)
}

func (p *Producer) stage(ctx context.Context, store outboxstore.Store, typ schema.EventType, correlationID uuid.UUID, evt any) (outboxstore.Record, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("wallet: encode %s payload: %w", typ, err)
	}
	return outbox.Append(ctx, store, outboxstore.Event{
		EventType:     string(typ),
		Payload:       payload,
		CorrelationID: correlationID,
	})
}
