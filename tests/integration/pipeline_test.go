// Package integration wires the outbox publisher, the in-memory broker, and
// the consumer dispatchers into a full pipeline and replays the delivery
// scenarios the production deployment has to survive: happy path, duplicate
// delivery, out-of-order events, republish after a crash, full saga
// completion, and poison payloads.
package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/google/uuid"

	"github.com/wallethub/wallethub/config"
	"github.com/wallethub/wallethub/internal/dispatcher"
	"github.com/wallethub/wallethub/internal/domain/saga"
	"github.com/wallethub/wallethub/internal/domain/schema"
	"github.com/wallethub/wallethub/internal/domain/wallet"
	"github.com/wallethub/wallethub/internal/envelope"
	"github.com/wallethub/wallethub/internal/infra/broker"
	"github.com/wallethub/wallethub/internal/infra/broker/memory"
	"github.com/wallethub/wallethub/internal/observability"
	"github.com/wallethub/wallethub/internal/orchestrator"
	"github.com/wallethub/wallethub/internal/outbox"
)

// pipeline is one fully wired in-process deployment: stores, publisher loop,
// broker, and a dispatcher per bound destination.
type pipeline struct {
	cfg      config.Settings
	outbox   *memOutbox
	sagas    *memSagaStore
	ledger   *memLedger
	broker   *memory.Broker
	dlq      *observability.DeadLetterQueue
	producer *wallet.Producer

	// handled counts handler invocations per envelope type, so tests can
	// assert that acknowledged deliveries are not redelivered.
	handled map[string]*atomic.Int64

	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()

	cfg := config.Default()
	cfg.Outbox.PollInterval = 20 * time.Millisecond
	cfg.Consumer.HandlerTimeout = 2 * time.Second
	cfg.Saga.RetryDelay = time.Millisecond

	p := &pipeline{
		cfg:      cfg,
		outbox:   newMemOutbox(),
		sagas:    newMemSagaStore(),
		ledger:   newMemLedger(),
		broker:   memory.New(memory.WithRedeliveryDelay(5 * time.Millisecond)),
		dlq:      observability.NewDeadLetterQueue(64),
		producer: wallet.NewProducer(),
		handled:  make(map[string]*atomic.Int64),
		wg:       &conc.WaitGroup{},
	}

	coordinator := orchestrator.New(p.sagas, cfg.Saga)
	handlers := make(map[string]dispatcher.Handler)
	for _, typ := range schema.EventTypes() {
		counter := &atomic.Int64{}
		p.handled[string(typ)] = counter
		handlers[string(typ)] = func(ctx context.Context, env *envelope.Envelope) error {
			counter.Add(1)
			return coordinator.Handle(ctx, env)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	publisher := outbox.NewPublisher(p.outbox, p.broker, cfg.Outbox)
	p.wg.Go(func() { _ = publisher.Run(ctx) })
	for _, destination := range schema.Destinations() {
		d := dispatcher.New(destination, p.ledger, handlers, cfg.Consumer,
			dispatcher.WithDeadLetterQueue(p.dlq))
		p.wg.Go(func() { _ = d.Run(ctx, p.broker) })
	}

	t.Cleanup(func() {
		cancel()
		p.wg.Wait()
	})
	return p
}

func (p *pipeline) handledCount(typ schema.EventType) int64 {
	return p.handled[string(typ)].Load()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (p *pipeline) waitForState(t *testing.T, sagaID uuid.UUID, state saga.State, version int) saga.Snapshot {
	t.Helper()
	waitFor(t, string(state), func() bool {
		snap, ok := p.sagas.snapshot(sagaID)
		return ok && snap.State == state && snap.Version == version
	})
	snap, _ := p.sagas.snapshot(sagaID)
	return snap
}

func TestPipelineHappyPath(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()
	correlation := uuid.New()

	rec, err := p.producer.WalletCreated(ctx, p.outbox, correlation, wallet.WalletCreated{
		EventID:    uuid.New(),
		OccurredOn: time.Now().UTC(),
		WalletID:   uuid.New(),
		OwnerID:    uuid.New(),
	})
	if err != nil {
		t.Fatalf("stage wallet created: %v", err)
	}

	snap := p.waitForState(t, correlation, saga.StateWalletCreated, 1)
	if snap.LastEventID != rec.ID {
		t.Fatalf("snapshot event id = %s, want outbox row id %s", snap.LastEventID, rec.ID)
	}
	waitFor(t, "outbox row marked sent", func() bool { return p.outbox.unsent() == 0 })
	if got, ok := p.outbox.record(rec.ID); !ok || !got.Sent || got.SentAt == nil {
		t.Fatalf("row not marked sent: %+v", got)
	}
}

func TestPipelineDuplicateDeliverySkipped(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()
	correlation := uuid.New()

	rec, err := p.producer.WalletCreated(ctx, p.outbox, correlation, wallet.WalletCreated{EventID: uuid.New(), WalletID: uuid.New()})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	p.waitForState(t, correlation, saga.StateWalletCreated, 1)

	// Redeliver the exact same envelope straight onto the topic. The ledger
	// already holds its id, so the handler must not run again.
	destination, err := schema.Destination(schema.EventTypeWalletCreated)
	if err != nil {
		t.Fatalf("destination: %v", err)
	}
	payload, err := envelope.Encode(envelope.Envelope{
		ID:            rec.ID,
		Type:          rec.EventType,
		Source:        p.cfg.Outbox.ProducerSource,
		Time:          rec.CreatedAt,
		Data:          rec.Payload,
		CorrelationID: correlation,
	})
	if err != nil {
		t.Fatalf("encode duplicate: %v", err)
	}
	if err := p.broker.Publish(ctx, broker.Message{Destination: destination, Key: correlation[:], Value: payload}); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}
	waitFor(t, "duplicate appended to the topic", func() bool {
		return p.broker.Depth(destination) == 2
	})

	if _, err := p.producer.FundsAdded(ctx, p.outbox, correlation, wallet.FundsAdded{EventID: uuid.New(), WalletID: uuid.New()}); err != nil {
		t.Fatalf("stage funds added: %v", err)
	}
	p.waitForState(t, correlation, saga.StateFundsAdded, 2)

	// The duplicate hit the ledger, not the handler, so the wallet-created
	// handler ran exactly once.
	time.Sleep(100 * time.Millisecond)
	if got := p.handledCount(schema.EventTypeWalletCreated); got != 1 {
		t.Fatalf("wallet-created handler ran %d times, want 1", got)
	}
	if snap, _ := p.sagas.snapshot(correlation); snap.Version != 2 {
		t.Fatalf("duplicate advanced the saga: %+v", snap)
	}
}

func TestPipelineOutOfOrderEventAcked(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()
	correlation := uuid.New()

	if _, err := p.producer.FundsWithdrawn(ctx, p.outbox, correlation, wallet.FundsWithdrawn{EventID: uuid.New(), WalletID: uuid.New()}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	waitFor(t, "withdrawal handler invoked", func() bool {
		return p.handledCount(schema.EventTypeFundsWithdrawn) >= 1
	})
	// An unknown saga is a permanent failure; the delivery must be acked, not
	// redelivered.
	time.Sleep(100 * time.Millisecond)
	if got := p.handledCount(schema.EventTypeFundsWithdrawn); got != 1 {
		t.Fatalf("handler ran %d times, want 1 (no redelivery)", got)
	}
	if _, ok := p.sagas.snapshot(correlation); ok {
		t.Fatalf("snapshot must not exist for an out-of-order first event")
	}
}

func TestPipelineRepublishAfterCrashIsDeduplicated(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()
	correlation := uuid.New()

	rec, err := p.producer.WalletCreated(ctx, p.outbox, correlation, wallet.WalletCreated{EventID: uuid.New(), WalletID: uuid.New()})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	p.waitForState(t, correlation, saga.StateWalletCreated, 1)
	waitFor(t, "row marked sent", func() bool { return p.outbox.unsent() == 0 })

	// The markSent write is lost in a crash: the row reappears unsent and the
	// publisher republishes the same envelope id on the next poll.
	if !p.outbox.resend(rec.ID) {
		t.Fatalf("row %s not found", rec.ID)
	}
	waitFor(t, "row republished", func() bool { return p.outbox.unsent() == 0 })

	if _, err := p.producer.FundsAdded(ctx, p.outbox, correlation, wallet.FundsAdded{EventID: uuid.New(), WalletID: uuid.New()}); err != nil {
		t.Fatalf("stage funds added: %v", err)
	}
	snap := p.waitForState(t, correlation, saga.StateFundsAdded, 2)
	if snap.State != saga.StateFundsAdded {
		t.Fatalf("unexpected state %s", snap.State)
	}
	if got := p.handledCount(schema.EventTypeWalletCreated); got != 1 {
		t.Fatalf("republished envelope reached the handler %d times, want 1", got)
	}
}

func TestPipelineFullSagaCompletes(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()
	correlation := uuid.New()
	walletID := uuid.New()

	if _, err := p.producer.WalletCreated(ctx, p.outbox, correlation, wallet.WalletCreated{EventID: uuid.New(), WalletID: walletID}); err != nil {
		t.Fatalf("stage wallet created: %v", err)
	}
	p.waitForState(t, correlation, saga.StateWalletCreated, 1)

	if _, err := p.producer.FundsAdded(ctx, p.outbox, correlation, wallet.FundsAdded{EventID: uuid.New(), WalletID: walletID}); err != nil {
		t.Fatalf("stage funds added: %v", err)
	}
	p.waitForState(t, correlation, saga.StateFundsAdded, 2)

	if _, err := p.producer.FundsWithdrawn(ctx, p.outbox, correlation, wallet.FundsWithdrawn{EventID: uuid.New(), WalletID: walletID}); err != nil {
		t.Fatalf("stage funds withdrawn: %v", err)
	}
	p.waitForState(t, correlation, saga.StateFundsWithdrawn, 3)

	if _, err := p.producer.FundsTransferred(ctx, p.outbox, correlation, wallet.FundsTransferred{EventID: uuid.New(), SourceWalletID: walletID, TargetWalletID: uuid.New()}); err != nil {
		t.Fatalf("stage funds transferred: %v", err)
	}
	// The transfer handler drives the completion transition as well, so the
	// snapshot lands at COMPLETED with two version bumps.
	p.waitForState(t, correlation, saga.StateCompleted, 5)

	// Events after the terminal state are acknowledged no-ops.
	if _, err := p.producer.FundsAdded(ctx, p.outbox, correlation, wallet.FundsAdded{EventID: uuid.New(), WalletID: walletID}); err != nil {
		t.Fatalf("stage post-terminal event: %v", err)
	}
	waitFor(t, "post-terminal event consumed", func() bool {
		return p.handledCount(schema.EventTypeFundsAdded) >= 2
	})
	snap, _ := p.sagas.snapshot(correlation)
	if snap.State != saga.StateCompleted || snap.Version != 5 {
		t.Fatalf("terminal snapshot mutated: %+v", snap)
	}
}

func TestPipelinePoisonPayloadQuarantined(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()
	correlation := uuid.New()

	destination, err := schema.Destination(schema.EventTypeWalletCreated)
	if err != nil {
		t.Fatalf("destination: %v", err)
	}
	if err := p.broker.Publish(ctx, broker.Message{
		Destination: destination,
		Key:         correlation[:],
		Value:       []byte(`{"specversion":"0.3","id":"nope"`),
	}); err != nil {
		t.Fatalf("publish poison: %v", err)
	}

	waitFor(t, "poison message quarantined", func() bool { return p.dlq.Len() == 1 })

	// The partition keeps flowing: a valid envelope behind the poison one is
	// still processed.
	if _, err := p.producer.WalletCreated(ctx, p.outbox, correlation, wallet.WalletCreated{EventID: uuid.New(), WalletID: uuid.New()}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	p.waitForState(t, correlation, saga.StateWalletCreated, 1)

	poison := p.dlq.Drain()
	if len(poison) != 1 {
		t.Fatalf("expected 1 poison message, got %d", len(poison))
	}
	if poison[0].Destination != destination || poison[0].Reason == "" {
		t.Fatalf("poison metadata incomplete: %+v", poison[0])
	}
	if string(poison[0].Payload) != `{"specversion":"0.3","id":"nope"` {
		t.Fatalf("poison payload not preserved: %s", poison[0].Payload)
	}
}
