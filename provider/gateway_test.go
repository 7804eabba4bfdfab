package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingProvider parks every call until released, so tests can fill the
// gateway's slots and queue deterministically.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{
		started: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

func (p *blockingProvider) Generate(ctx context.Context, _ Request) (Reply, error) {
	p.started <- struct{}{}
	select {
	case <-p.release:
		return Reply{Content: "ok"}, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func TestGatewayFailsFastWhenSaturated(t *testing.T) {
	prov := newBlockingProvider()
	gw, err := NewGateway(prov, MaxConcurrent(4), MaxQueued(2), CallTimeout(time.Minute))
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make(chan error, 6)

	// Fill the 4 slots.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Generate(ctx, Request{})
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		<-prov.started
	}

	// Fill the 2 queue positions.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Generate(ctx, Request{})
			results <- err
		}()
	}
	// Give the queued callers time to register.
	time.Sleep(50 * time.Millisecond)

	// The 7th concurrent request must fail immediately, not block.
	start := time.Now()
	_, err = gw.Generate(ctx, Request{})
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "overload must fail fast")

	close(prov.release)
	wg.Wait()
	close(results)
	for err := range results {
		assert.NoError(t, err, "slotted and queued calls all complete once released")
	}
}

func TestGatewayCallTimeout(t *testing.T) {
	prov := newBlockingProvider()
	gw, err := NewGateway(prov, CallTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = gw.Generate(context.Background(), Request{})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr, "a hung provider surfaces as a generation error")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGatewayQueuedCallerHonorsCancellation(t *testing.T) {
	prov := newBlockingProvider()
	gw, err := NewGateway(prov, MaxConcurrent(1), MaxQueued(1), CallTimeout(time.Minute))
	require.NoError(t, err)

	go func() { _, _ = gw.Generate(context.Background(), Request{}) }()
	<-prov.started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gw.Generate(ctx, Request{})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued caller did not observe cancellation")
	}
	close(prov.release)
}

type failingProvider struct{ err error }

func (p *failingProvider) Generate(context.Context, Request) (Reply, error) {
	return Reply{}, p.err
}

func TestGatewayWrapsProviderErrors(t *testing.T) {
	cause := errors.New("rate limited")
	gw, err := NewGateway(&failingProvider{err: cause})
	require.NoError(t, err)

	_, err = gw.Generate(context.Background(), Request{})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.ErrorIs(t, err, cause)
}

func TestGatewayPreservesTypedGenerationErrors(t *testing.T) {
	cause := &GenerationError{Provider: "openai", Err: errors.New("model overloaded")}
	gw, err := NewGateway(&failingProvider{err: cause})
	require.NoError(t, err)

	_, err = gw.Generate(context.Background(), Request{})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "openai", genErr.Provider, "provider identity survives the gateway")
}
