package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/uuidx"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka adapts a Kafka-compatible broker (Kafka, Redpanda) to the Broker
// contract using franz-go. Each subscription owns its own consumer group
// client with auto-commit disabled; the committed cursor only moves when the
// runtime calls CommitOffset after a reply was published.
type Kafka struct {
	seeds []string
	opts  []kgo.Opt

	mu       sync.Mutex
	producer *kgo.Client
}

// NewKafka creates an adapter for the given seed brokers. Extra kgo options
// (SASL, TLS, client id) are applied to every client it creates.
func NewKafka(seeds []string, opts ...kgo.Opt) *Kafka {
	return &Kafka{seeds: append([]string(nil), seeds...), opts: opts}
}

type kafkaSub struct {
	id     string
	topics []string
	client *kgo.Client

	mu        sync.Mutex
	committed map[string]map[int32]int64
}

func (s *kafkaSub) ID() string       { return s.id }
func (s *kafkaSub) Topics() []string { return s.topics }

func (s *kafkaSub) Close() error {
	s.client.Close()
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, group string, topics []string) (Subscription, error) {
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(k.seeds...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	}, k.opts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}

	return &kafkaSub{
		id:        uuidx.NewString(),
		topics:    append([]string(nil), topics...),
		client:    client,
		committed: make(map[string]map[int32]int64),
	}, nil
}

func (k *Kafka) Poll(ctx context.Context, sub Subscription, maxBatch int, timeout time.Duration) ([]Record, error) {
	ks, ok := sub.(*kafkaSub)
	if !ok {
		return nil, &ConnectionError{Op: "poll", Err: errors.New("subscription does not belong to this broker")}
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := ks.client.PollRecords(pollCtx, maxBatch)
	if fetches.IsClientClosed() {
		return nil, &ConnectionError{Op: "poll", Err: ErrClosed}
	}
	for _, fe := range fetches.Errors() {
		// A deadline firing just means an empty poll interval.
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, &ConnectionError{Op: "poll", Err: fe.Err}
	}

	var batch []Record
	fetches.EachRecord(func(r *kgo.Record) {
		batch = append(batch, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
		})
	})
	return batch, nil
}

func (k *Kafka) CommitOffset(ctx context.Context, sub Subscription, topic string, partition int32, offset int64) error {
	ks, ok := sub.(*kafkaSub)
	if !ok {
		return &ConnectionError{Op: "commit", Err: errors.New("subscription does not belong to this broker")}
	}

	// Kafka's commit API happily rewinds; enforce the monotonic cursor here.
	if ks.alreadyCommitted(topic, partition, offset) {
		return nil
	}

	err := ks.client.CommitRecords(ctx, &kgo.Record{Topic: topic, Partition: partition, Offset: offset})
	if err != nil {
		return &ConnectionError{Op: "commit", Err: err}
	}

	// Recorded only after the durable commit, so a failed commit can be
	// retried at the same offset instead of being swallowed by the guard.
	ks.recordCommit(topic, partition, offset)
	return nil
}

func (s *kafkaSub) alreadyCommitted(topic string, partition int32, offset int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.committed[topic]
	if !ok {
		return false
	}
	prev, ok := parts[partition]
	return ok && offset <= prev
}

func (s *kafkaSub) recordCommit(topic string, partition int32, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.committed[topic]
	if !ok {
		parts = make(map[int32]int64)
		s.committed[topic] = parts
	}
	if prev, ok := parts[partition]; !ok || offset > prev {
		parts[partition] = offset
	}
}

func (k *Kafka) Publish(ctx context.Context, topic string, key, value []byte) (Ack, error) {
	producer, err := k.producerClient()
	if err != nil {
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}

	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	res := producer.ProduceSync(ctx, rec)
	if err := res.FirstErr(); err != nil {
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}
	return Ack{Topic: rec.Topic, Partition: rec.Partition, Offset: rec.Offset}, nil
}

func (k *Kafka) producerClient() (*kgo.Client, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.producer != nil {
		return k.producer, nil
	}
	opts := append([]kgo.Opt{kgo.SeedBrokers(k.seeds...)}, k.opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	k.producer = client
	return client, nil
}

// Close releases the shared producer. Subscriptions are closed individually.
func (k *Kafka) Close() {
	k.mu.Lock()
	if k.producer != nil {
		k.producer.Close()
		k.producer = nil
	}
	k.mu.Unlock()
}
