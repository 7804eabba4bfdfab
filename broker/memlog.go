package broker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/parley-ai/parley/pkg/uuidx"
)

// ErrClosed is returned for operations against a closed broker or
// subscription.
var ErrClosed = errors.New("broker is closed")

const defaultMemLogPartitions = 4

// MemLog is an in-memory partitioned append-only log with the same
// consumption contract as the real broker adapters: records are keyed into
// partitions, consumer groups track a durable committed cursor per
// partition, and a new subscription for a group resumes from the committed
// position, redelivering anything consumed but never committed.
//
// It exists for tests and single-process setups; everything is lost when the
// process exits.
type MemLog struct {
	partitions int32

	mu     sync.Mutex
	notify chan struct{}
	closed bool

	topics *haxmap.Map[string, *memTopic]
}

// NewMemLog creates an in-memory log with the given partition count per
// topic. Zero or negative counts fall back to the default.
func NewMemLog(partitions int32) *MemLog {
	if partitions <= 0 {
		partitions = defaultMemLogPartitions
	}
	return &MemLog{
		partitions: partitions,
		notify:     make(chan struct{}),
		topics:     haxmap.New[string, *memTopic](),
	}
}

type memTopic struct {
	mu        sync.Mutex
	logs      [][]Record
	committed map[string][]int64 // group -> next offset to consume, per partition
}

func (b *MemLog) topic(name string) *memTopic {
	t, _ := b.topics.GetOrCompute(name, func() *memTopic {
		return &memTopic{
			logs:      make([][]Record, b.partitions),
			committed: make(map[string][]int64),
		}
	})
	return t
}

type memSub struct {
	id     string
	group  string
	topics []string

	mu     sync.Mutex
	pos    map[string][]int64
	closed bool
}

func (s *memSub) ID() string       { return s.id }
func (s *memSub) Topics() []string { return s.topics }

func (s *memSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Subscribe joins the group and positions the subscription at each
// partition's committed cursor, so uncommitted records are delivered again.
func (b *MemLog) Subscribe(_ context.Context, group string, topics []string) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, &ConnectionError{Op: "subscribe", Err: ErrClosed}
	}

	sub := &memSub{
		id:     uuidx.NewString(),
		group:  group,
		topics: append([]string(nil), topics...),
		pos:    make(map[string][]int64, len(topics)),
	}
	for _, name := range topics {
		t := b.topic(name)
		t.mu.Lock()
		next, ok := t.committed[group]
		if !ok {
			next = make([]int64, b.partitions)
			t.committed[group] = next
		}
		sub.pos[name] = append([]int64(nil), next...)
		t.mu.Unlock()
	}
	return sub, nil
}

func (b *MemLog) Poll(ctx context.Context, sub Subscription, maxBatch int, timeout time.Duration) ([]Record, error) {
	ms, ok := sub.(*memSub)
	if !ok {
		return nil, &ConnectionError{Op: "poll", Err: errors.New("subscription does not belong to this broker")}
	}
	deadline := time.Now().Add(timeout)

	for {
		ms.mu.Lock()
		if ms.closed {
			ms.mu.Unlock()
			return nil, &ConnectionError{Op: "poll", Err: ErrClosed}
		}
		batch := b.fetch(ms, maxBatch)
		ms.mu.Unlock()
		if len(batch) > 0 {
			return batch, nil
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, &ConnectionError{Op: "poll", Err: ErrClosed}
		}
		notify := b.notify
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(remaining):
			return nil, nil
		case <-notify:
		}
	}
}

// fetch drains records in partition order starting at the subscription's
// positions. Caller holds ms.mu.
func (b *MemLog) fetch(ms *memSub, maxBatch int) []Record {
	var batch []Record
	for _, name := range ms.topics {
		t := b.topic(name)
		t.mu.Lock()
		for p := range t.logs {
			from := ms.pos[name][p]
			log := t.logs[p]
			for int(from) < len(log) && len(batch) < maxBatch {
				batch = append(batch, log[from])
				from++
			}
			ms.pos[name][p] = from
			if len(batch) >= maxBatch {
				break
			}
		}
		t.mu.Unlock()
		if len(batch) >= maxBatch {
			break
		}
	}
	return batch
}

// CommitOffset advances the group's durable cursor. The cursor is monotonic:
// committing an offset at or below the cursor does nothing.
func (b *MemLog) CommitOffset(_ context.Context, sub Subscription, topic string, partition int32, offset int64) error {
	ms, ok := sub.(*memSub)
	if !ok {
		return &ConnectionError{Op: "commit", Err: errors.New("subscription does not belong to this broker")}
	}
	if partition < 0 || partition >= b.partitions {
		return &ConnectionError{Op: "commit", Err: errors.New("partition out of range")}
	}

	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	next, ok := t.committed[ms.group]
	if !ok {
		next = make([]int64, b.partitions)
		t.committed[ms.group] = next
	}
	if offset+1 > next[partition] {
		next[partition] = offset + 1
	}
	return nil
}

func (b *MemLog) Publish(_ context.Context, topic string, key, value []byte) (Ack, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Ack{}, &PublishError{Topic: topic, Err: ErrClosed}
	}
	b.mu.Unlock()

	t := b.topic(topic)
	partition := b.partitionFor(key, value)

	t.mu.Lock()
	offset := int64(len(t.logs[partition]))
	rec := Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
	}
	t.logs[partition] = append(t.logs[partition], rec)
	t.mu.Unlock()

	b.broadcast()
	return Ack{Topic: topic, Partition: partition, Offset: offset}, nil
}

func (b *MemLog) partitionFor(key, value []byte) int32 {
	h := fnv.New32a()
	if len(key) > 0 {
		_, _ = h.Write(key)
	} else {
		_, _ = h.Write(value)
	}
	return int32(h.Sum32() % uint32(b.partitions)) //nolint:gosec
}

func (b *MemLog) broadcast() {
	b.mu.Lock()
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// Close shuts the log down. Pending polls return a ConnectionError.
func (b *MemLog) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.notify)
		b.notify = make(chan struct{})
	}
	b.mu.Unlock()
}
