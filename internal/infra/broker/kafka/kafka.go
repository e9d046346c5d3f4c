// Package kafka adapts the broker contracts onto a Kafka-compatible cluster
// using franz-go.
package kafka

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/wallethub/wallethub/config"
	"github.com/wallethub/wallethub/errs"
	"github.com/wallethub/wallethub/internal/infra/broker"
	"github.com/wallethub/wallethub/internal/observability"
)

const component = "broker.kafka"

// Publisher sends messages with ProduceSync so callers observe broker
// acknowledgment before the outbox row is marked sent.
type Publisher struct {
	client *kgo.Client
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher builds a producer-only client for the configured cluster.
func NewPublisher(cfg config.BrokerSettings) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	)
	if err != nil {
		return nil, errs.New(component, errs.CodeBroker,
			errs.WithMessage("create producer client"), errs.WithCause(err))
	}
	return &Publisher{client: client}, nil
}

// Publish produces one record and blocks until the cluster acknowledges it.
func (p *Publisher) Publish(ctx context.Context, msg broker.Message) error {
	record := &kgo.Record{
		Topic: msg.Destination,
		Key:   msg.Key,
		Value: msg.Value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errs.New(component, errs.CodeBroker,
			errs.WithMessage("produce"),
			errs.WithField("destination", msg.Destination),
			errs.WithRetryable(),
			errs.WithCause(err))
	}
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// Subscriber consumes a single destination inside a consumer group. Offsets
// are committed only for acknowledged deliveries, so a Retry disposition
// rewinds the partition and replays from the rejected record.
type Subscriber struct {
	cfg config.BrokerSettings
}

var _ broker.Subscriber = (*Subscriber)(nil)

// NewSubscriber builds a subscriber factory for the configured cluster. Each
// Subscribe call owns its own client so destinations fail independently.
func NewSubscriber(cfg config.BrokerSettings) *Subscriber {
	return &Subscriber{cfg: cfg}
}

// Subscribe polls the destination until ctx is cancelled. Records within a
// partition are handed to fn strictly in order.
func (s *Subscriber) Subscribe(ctx context.Context, destination string, fn broker.HandleFunc) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ClientID(s.cfg.ClientID),
		kgo.ConsumerGroup(s.cfg.ConsumerGroup),
		kgo.ConsumeTopics(destination),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return errs.New(component, errs.CodeBroker,
			errs.WithMessage("create consumer client"),
			errs.WithField("destination", destination),
			errs.WithCause(err))
	}
	defer client.Close()

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			observability.Log().Error("fetch error",
				observability.Field{Key: "destination", Value: topic},
				observability.Field{Key: "partition", Value: partition},
				observability.Field{Key: "error", Value: err.Error()},
			)
		})

		var acked []*kgo.Record
		rewinds := make(map[int32]kgo.EpochOffset)
		fetches.EachPartition(func(part kgo.FetchTopicPartition) {
			if _, rewound := rewinds[part.Partition]; rewound {
				return
			}
			for _, record := range part.Records {
				disposition := fn(ctx, broker.Delivery{
					Destination: record.Topic,
					Partition:   record.Partition,
					Offset:      record.Offset,
					Key:         record.Key,
					Value:       record.Value,
				})
				if disposition == broker.Retry {
					rewinds[record.Partition] = kgo.EpochOffset{
						Epoch:  record.LeaderEpoch,
						Offset: record.Offset,
					}
					break
				}
				acked = append(acked, record)
			}
		})

		if len(acked) > 0 {
			if err := client.CommitRecords(ctx, acked...); err != nil && ctx.Err() == nil {
				observability.Log().Error("commit failed",
					observability.Field{Key: "destination", Value: destination},
					observability.Field{Key: "error", Value: err.Error()},
				)
			}
		}
		if len(rewinds) > 0 {
			client.SetOffsets(map[string]map[int32]kgo.EpochOffset{destination: rewinds})
		}
		client.AllowRebalance()
	}
}

// Close is a no-op; each Subscribe call owns and closes its own client.
func (s *Subscriber) Close() {}
