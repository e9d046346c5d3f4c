package outbox

import (
	"context"
	"time"

	"github.com/wallethub/wallethub/internal/domain/ledgerstore"
	"github.com/wallethub/wallethub/internal/domain/outboxstore"
	"github.com/wallethub/wallethub/internal/observability"
)

// Sweeper deletes sent outbox rows and stale idempotency entries on a timer.
// It never publishes, so it can run alongside the single publisher loop
// without contending for rows.
type Sweeper struct {
	outbox          outboxstore.Store
	ledger          ledgerstore.Store
	interval        time.Duration
	retentionWindow time.Duration
	ledgerRetention time.Duration
	clock           func() time.Time
}

// NewSweeper builds a retention sweeper over both stores.
func NewSweeper(outbox outboxstore.Store, ledger ledgerstore.Store, interval, retentionWindow, ledgerRetention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		outbox:          outbox,
		ledger:          ledger,
		interval:        interval,
		retentionWindow: retentionWindow,
		ledgerRetention: ledgerRetention,
		clock:           time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass over both stores.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock()
	if purged, err := s.outbox.Purge(ctx, now.Add(-s.retentionWindow)); err != nil {
		observability.Log().Error("outbox purge failed",
			observability.Field{Key: "error", Value: err.Error()})
	} else if purged > 0 {
		observability.Log().Info("outbox rows purged",
			observability.Field{Key: "rows", Value: purged})
	}
	if purged, err := s.ledger.Purge(ctx, now.Add(-s.ledgerRetention)); err != nil {
		observability.Log().Error("ledger purge failed",
			observability.Field{Key: "error", Value: err.Error()})
	} else if purged > 0 {
		observability.Log().Info("ledger entries purged",
			observability.Field{Key: "rows", Value: purged})
	}
}
