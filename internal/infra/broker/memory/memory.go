// Package memory provides an in-process broker with Kafka-like partition
// ordering. It backs unit and scenario tests that exercise the publish and
// consume paths without a cluster.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wallethub/wallethub/internal/infra/broker"
)

const defaultPartitions = 4

// Broker is an in-memory topic store. Records are appended to a partition
// chosen by key hash and delivered to subscribers strictly in offset order.
type Broker struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][]*partitionLog
	redelivery time.Duration
}

var (
	_ broker.Publisher  = (*Broker)(nil)
	_ broker.Subscriber = (*Broker)(nil)
)

type record struct {
	key   []byte
	value []byte
}

type partitionLog struct {
	mu      sync.Mutex
	records []record
	notify  chan struct{}
}

// Option adjusts broker construction.
type Option func(*Broker)

// WithPartitions sets the partition count for every topic.
func WithPartitions(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a rejected delivery is retried.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Broker) {
		if d >= 0 {
			b.redelivery = d
		}
	}
}

// New constructs an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		partitions: defaultPartitions,
		topics:     make(map[string][]*partitionLog),
		redelivery: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Broker) topic(name string) []*partitionLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	logs, ok := b.topics[name]
	if !ok {
		logs = make([]*partitionLog, b.partitions)
		for i := range logs {
			logs[i] = &partitionLog{notify: make(chan struct{}, 1)}
		}
		b.topics[name] = logs
	}
	return logs
}

func (b *Broker) pick(key []byte, n int) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// Publish appends the message to its partition and wakes waiting consumers.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logs := b.topic(msg.Destination)
	part := logs[b.pick(msg.Key, len(logs))]

	part.mu.Lock()
	part.records = append(part.records, record{
		key:   append([]byte(nil), msg.Key...),
		value: append([]byte(nil), msg.Value...),
	})
	part.mu.Unlock()

	select {
	case part.notify <- struct{}{}:
	default:
	}
	return nil
}

// Depth reports the number of records ever appended to the destination.
func (b *Broker) Depth(destination string) int {
	total := 0
	for _, part := range b.topic(destination) {
		part.mu.Lock()
		total += len(part.records)
		part.mu.Unlock()
	}
	return total
}

// Subscribe delivers every record on the destination to fn, one goroutine per
// partition, until ctx is cancelled. A Retry disposition replays the same
// record after the redelivery delay.
func (b *Broker) Subscribe(ctx context.Context, destination string, fn broker.HandleFunc) error {
	logs := b.topic(destination)

	var wg conc.WaitGroup
	for i, part := range logs {
		partition := int32(i)
		part := part
		wg.Go(func() {
			b.consumePartition(ctx, destination, partition, part, fn)
		})
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Broker) consumePartition(ctx context.Context, destination string, partition int32, part *partitionLog, fn broker.HandleFunc) {
	cursor := 0
	for {
		part.mu.Lock()
		pending := len(part.records) > cursor
		var rec record
		if pending {
			rec = part.records[cursor]
		}
		part.mu.Unlock()

		if !pending {
			select {
			case <-ctx.Done():
				return
			case <-part.notify:
			}
			continue
		}

		disposition := fn(ctx, broker.Delivery{
			Destination: destination,
			Partition:   partition,
			Offset:      int64(cursor),
			Key:         rec.key,
			Value:       rec.value,
		})
		if disposition == broker.Retry {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.redelivery):
			}
			continue
		}
		cursor++
	}
}

// Close is a no-op; the broker holds no external resources.
func (b *Broker) Close() {}
