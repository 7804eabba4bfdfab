package broker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/parley-ai/parley/pkg/uuidx"
)

// JetStream adapts a NATS JetStream stream to the Broker contract. The
// stream is a single ordered log, so every record reports partition 0 and
// the stream sequence as its offset. Committing an offset acks the matching
// message on an AckAll consumer, which moves the durable cursor for
// everything at or below it.
type JetStream struct {
	js     jetstream.JetStream
	stream string

	mu       sync.Mutex
	subjects map[string]struct{}
}

// NewJetStream creates an adapter publishing into and consuming from the
// named stream.
func NewJetStream(nc *nats.Conn, stream string) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	return &JetStream{js: js, stream: stream, subjects: make(map[string]struct{})}, nil
}

// ensureSubjects grows the stream's subject set to cover the given topics.
// Subjects are merged with the stream's current configuration, never
// replaced, so subscribers with different topic sets and ad hoc publish
// targets (the dead-letter topic) coexist on one stream.
func (j *JetStream) ensureSubjects(ctx context.Context, topics []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	missing := false
	for _, name := range topics {
		if _, ok := j.subjects[name]; !ok {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	merged := make(map[string]struct{}, len(topics))
	if stream, err := j.js.Stream(ctx, j.stream); err == nil {
		for _, s := range stream.CachedInfo().Config.Subjects {
			merged[s] = struct{}{}
		}
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return err
	}
	for _, name := range topics {
		merged[name] = struct{}{}
	}

	subjects := make([]string, 0, len(merged))
	for s := range merged {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	if _, err := j.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     j.stream,
		Subjects: subjects,
	}); err != nil {
		return err
	}
	for s := range merged {
		j.subjects[s] = struct{}{}
	}
	return nil
}

type jetStreamSub struct {
	id       string
	topics   []string
	consumer jetstream.Consumer

	mu        sync.Mutex
	pending   map[int64]jetstream.Msg
	committed int64
	closed    bool
}

func (s *jetStreamSub) ID() string       { return s.id }
func (s *jetStreamSub) Topics() []string { return s.topics }

func (s *jetStreamSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	return nil
}

func (j *JetStream) Subscribe(ctx context.Context, group string, topics []string) (Subscription, error) {
	if err := j.ensureSubjects(ctx, topics); err != nil {
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}

	consumer, err := j.js.CreateOrUpdateConsumer(ctx, j.stream, jetstream.ConsumerConfig{
		Durable:        durableName(group),
		AckPolicy:      jetstream.AckAllPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: topics,
	})
	if err != nil {
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}

	return &jetStreamSub{
		id:       uuidx.NewString(),
		topics:   append([]string(nil), topics...),
		consumer: consumer,
		pending:  make(map[int64]jetstream.Msg),
	}, nil
}

func (j *JetStream) Poll(_ context.Context, sub Subscription, maxBatch int, timeout time.Duration) ([]Record, error) {
	js, ok := sub.(*jetStreamSub)
	if !ok {
		return nil, &ConnectionError{Op: "poll", Err: errors.New("subscription does not belong to this broker")}
	}
	js.mu.Lock()
	closed := js.closed
	js.mu.Unlock()
	if closed {
		return nil, &ConnectionError{Op: "poll", Err: ErrClosed}
	}

	batch, err := js.consumer.Fetch(maxBatch, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, &ConnectionError{Op: "poll", Err: err}
	}

	var records []Record
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return nil, &ConnectionError{Op: "poll", Err: err}
		}
		offset := int64(meta.Sequence.Stream) //nolint:gosec
		records = append(records, Record{
			Topic:     msg.Subject(),
			Partition: 0,
			Offset:    offset,
			Value:     msg.Data(),
		})
		js.mu.Lock()
		if !js.closed {
			js.pending[offset] = msg
		}
		js.mu.Unlock()
	}
	if err := batch.Error(); err != nil {
		return nil, &ConnectionError{Op: "poll", Err: err}
	}
	return records, nil
}

func (j *JetStream) CommitOffset(_ context.Context, sub Subscription, _ string, _ int32, offset int64) error {
	js, ok := sub.(*jetStreamSub)
	if !ok {
		return &ConnectionError{Op: "commit", Err: errors.New("subscription does not belong to this broker")}
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.closed {
		return &ConnectionError{Op: "commit", Err: ErrClosed}
	}
	if offset <= js.committed {
		return nil
	}

	// AckAll acks everything up to the highest pending message at or below
	// the requested offset.
	var ackAt int64 = -1
	for seq := range js.pending {
		if seq <= offset && seq > ackAt {
			ackAt = seq
		}
	}
	if ackAt >= 0 {
		if err := js.pending[ackAt].Ack(); err != nil {
			return &ConnectionError{Op: "commit", Err: err}
		}
		for seq := range js.pending {
			if seq <= ackAt {
				delete(js.pending, seq)
			}
		}
		js.committed = ackAt
	}
	return nil
}

func (j *JetStream) Publish(ctx context.Context, topic string, _ []byte, value []byte) (Ack, error) {
	// Publish targets like the dead-letter topic may never have been
	// subscribed to; make sure the stream captures them.
	if err := j.ensureSubjects(ctx, []string{topic}); err != nil {
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}

	// JetStream orders the whole stream; the partitioning key is not needed
	// to keep one thread's records in order.
	pa, err := j.js.Publish(ctx, topic, value)
	if err != nil {
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}
	return Ack{Topic: topic, Partition: 0, Offset: int64(pa.Sequence)}, nil //nolint:gosec
}

// durableName maps a consumer group name onto the character set JetStream
// allows for durable consumer names.
func durableName(group string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, group)
}
