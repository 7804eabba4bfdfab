package broker

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jetStreamForTest(t *testing.T) *JetStream {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := NewJetStream(nc, fmt.Sprintf("parley-test-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	return js
}

// Subscribers with different topic sets share one stream; a later subscribe
// must widen the stream's subjects, not replace them.
func TestJetStreamSubscribersWithDisjointTopicsCoexist(t *testing.T) {
	js := jetStreamForTest(t)
	ctx := context.Background()

	subA, err := js.Subscribe(ctx, "agent-alice", []string{"science"})
	require.NoError(t, err)
	defer subA.Close()

	subB, err := js.Subscribe(ctx, "agent-bob", []string{"random", "support"})
	require.NoError(t, err)
	defer subB.Close()

	_, err = js.Publish(ctx, "science", nil, []byte(`{"n":1}`))
	require.NoError(t, err, "the first subscriber's topic still has a matching subject")
	_, err = js.Publish(ctx, "random", nil, []byte(`{"n":2}`))
	require.NoError(t, err)

	batchA, err := js.Poll(ctx, subA, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, batchA, 1)
	assert.Equal(t, "science", batchA[0].Topic)

	batchB, err := js.Poll(ctx, subB, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, batchB, 1)
	assert.Equal(t, "random", batchB[0].Topic)
}

// Publishing to a topic nobody subscribed to (the dead-letter path) must
// provision a subject for it rather than erroring on no matching stream.
func TestJetStreamPublishToUnsubscribedTopic(t *testing.T) {
	js := jetStreamForTest(t)
	ctx := context.Background()

	sub, err := js.Subscribe(ctx, "agent-alice", []string{"general"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = js.Publish(ctx, "dead-letter", nil, []byte(`{"reason":"x"}`))
	require.NoError(t, err)

	dlq, err := js.Subscribe(ctx, "dlq-reader", []string{"dead-letter"})
	require.NoError(t, err)
	defer dlq.Close()

	batch, err := js.Poll(ctx, dlq, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "dead-letter", batch[0].Topic)
}
