package provider

import (
	"context"
	"sync"
	"time"

	"github.com/fogfish/opts"
)

// Gateway defaults. Small on purpose: a slow provider should shed load, not
// absorb it.
const (
	DefaultMaxConcurrent = 4
	DefaultMaxQueued     = 8
	DefaultCallTimeout   = 30 * time.Second
)

// Gateway is a bounded-concurrency facade over a Provider. At most
// maxConcurrent calls run at once; up to maxQueued callers wait for a slot;
// anything beyond that fails immediately with ErrOverloaded so a hung
// provider cannot stall the consumption loop behind it.
//
// The gateway never retries. Retry policy belongs to the caller, where the
// dead-letter decision is made.
type Gateway struct {
	provider      Provider
	maxConcurrent int
	maxQueued     int
	timeout       time.Duration

	sem    chan struct{}
	mu     sync.Mutex
	queued int
}

var (
	// MaxConcurrent caps in-flight provider calls.
	MaxConcurrent = opts.ForName[Gateway, int]("maxConcurrent")
	// MaxQueued caps callers waiting for a slot.
	MaxQueued = opts.ForName[Gateway, int]("maxQueued")
	// CallTimeout bounds a single provider call.
	CallTimeout = opts.ForName[Gateway, time.Duration]("timeout")
)

// NewGateway wraps the provider with the configured bounds.
func NewGateway(p Provider, options ...opts.Option[Gateway]) (*Gateway, error) {
	g := &Gateway{
		provider:      p,
		maxConcurrent: DefaultMaxConcurrent,
		maxQueued:     DefaultMaxQueued,
		timeout:       DefaultCallTimeout,
	}
	if err := opts.Apply(g, options); err != nil {
		return nil, err
	}
	g.sem = make(chan struct{}, g.maxConcurrent)
	return g, nil
}

// Generate runs one provider call under the concurrency bounds. It returns
// ErrOverloaded without blocking when the queue is full, the context error
// when the caller gives up while queued, and a *GenerationError for provider
// failures.
func (g *Gateway) Generate(ctx context.Context, req Request) (Reply, error) {
	select {
	case g.sem <- struct{}{}:
	default:
		g.mu.Lock()
		if g.queued >= g.maxQueued {
			g.mu.Unlock()
			return Reply{}, ErrOverloaded
		}
		g.queued++
		g.mu.Unlock()

		select {
		case g.sem <- struct{}{}:
			g.mu.Lock()
			g.queued--
			g.mu.Unlock()
		case <-ctx.Done():
			g.mu.Lock()
			g.queued--
			g.mu.Unlock()
			return Reply{}, ctx.Err()
		}
	}
	defer func() { <-g.sem }()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := g.provider.Generate(callCtx, req)
	if err != nil {
		if genErr, ok := err.(*GenerationError); ok { //nolint:errorlint
			return Reply{}, genErr
		}
		return Reply{}, &GenerationError{Provider: "gateway", Err: err}
	}
	return reply, nil
}
