package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemLogPartitionForIsStable(t *testing.T) {
	b := NewMemLog(8)
	p1 := b.partitionFor([]byte("thread-42"), nil)
	p2 := b.partitionFor([]byte("thread-42"), []byte("different value"))
	assert.Equal(t, p1, p2, "partition depends only on the key when a key is present")
}

func TestMemLogPollWakesOnPublish(t *testing.T) {
	b := NewMemLog(2)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "g", []string{"wake"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var batch []Record
	go func() {
		defer wg.Done()
		batch, _ = b.Poll(ctx, sub, 10, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = b.Publish(ctx, "wake", []byte("k"), []byte(`{"n":1}`))
	require.NoError(t, err)

	wg.Wait()
	assert.NotEmpty(t, batch, "a blocked poll should wake when a record arrives")
}

func TestMemLogPollHonorsContextCancellation(t *testing.T) {
	b := NewMemLog(2)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, "g", []string{"quiet"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = b.Poll(ctx, sub, 10, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemLogClosedBroker(t *testing.T) {
	b := NewMemLog(2)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "g", []string{"t"})
	require.NoError(t, err)

	b.Close()

	_, err = b.Publish(ctx, "t", nil, []byte(`{}`))
	var perr *PublishError
	assert.ErrorAs(t, err, &perr)

	_, err = b.Subscribe(ctx, "g", []string{"t"})
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)

	_, err = b.Poll(ctx, sub, 1, 10*time.Millisecond)
	assert.ErrorAs(t, err, &cerr)
}

func TestMemLogClosedSubscription(t *testing.T) {
	b := NewMemLog(2)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "g", []string{"t"})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = b.Poll(ctx, sub, 1, 10*time.Millisecond)
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)
}
