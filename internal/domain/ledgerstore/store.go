// Package ledgerstore defines the idempotency ledger contract for consumers.
package ledgerstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store records processed (consumer, event-id) pairs so redeliveries can be
// acknowledged without re-running side effects. Rows may be purged once the
// retention window exceeds the broker redelivery horizon.
type Store interface {
	Contains(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Record(ctx context.Context, consumer string, eventID uuid.UUID, processedAt time.Time) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
