package broker

import (
	"context"
	"fmt"
	"time"
)

// Record is a single consumed broker record, before envelope decoding.
// Records from one partition are always handed out in production order.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Ack reports where a published record landed.
type Ack struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Subscription is an active consumer membership for one group over a set of
// topics. It is owned by exactly one consumption loop; Poll and CommitOffset
// must not be called concurrently on the same subscription.
type Subscription interface {
	ID() string
	Topics() []string
	Close() error
}

// Broker abstracts the log-backed message broker. Implementations provide
// at-least-once delivery and per-partition ordering; everything stronger is
// built on top by the runtime.
type Broker interface {
	// Subscribe joins the consumer group and starts consuming from the last
	// committed position. It fails with *ConnectionError when the broker is
	// unreachable at call time.
	Subscribe(ctx context.Context, group string, topics []string) (Subscription, error)

	// Poll returns up to maxBatch records, blocking for at most timeout.
	// An empty batch on timeout is normal operation, not an error.
	Poll(ctx context.Context, sub Subscription, maxBatch int, timeout time.Duration) ([]Record, error)

	// CommitOffset durably marks records up to and including offset as
	// processed for the subscription's group. The durable cursor only moves
	// forward; committing an older offset is a no-op.
	CommitOffset(ctx context.Context, sub Subscription, topic string, partition int32, offset int64) error

	// Publish appends a record to the topic, keyed so that records sharing a
	// key land in the same partition. Delivery is at-least-once.
	Publish(ctx context.Context, topic string, key, value []byte) (Ack, error)
}

// ConnectionError indicates the broker itself is unreachable or the client
// is broken. The runtime escalates these to its Errored state.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError indicates the broker rejected a write. Publishes are retried
// by the caller; a reply is never silently dropped.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
