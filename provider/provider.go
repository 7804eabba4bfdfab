package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the tagged provider configuration variant, keyed by Type. It is
// opaque to the coordination core; each provider constructor validates the
// fields it needs.
type Config struct {
	Type        string        `json:"provider_type" env:"PROVIDER_TYPE"`
	Model       string        `json:"model" env:"MODEL"`
	APIKey      string        `json:"api_key,omitempty" env:"API_KEY"`
	BaseURL     string        `json:"base_url,omitempty" env:"BASE_URL"`
	MaxTokens   int64         `json:"max_tokens,omitempty" env:"MAX_TOKENS"`
	Temperature float64       `json:"temperature,omitempty" env:"TEMPERATURE"`
	Timeout     time.Duration `json:"timeout,omitempty" env:"TIMEOUT"`
}

// Validate checks the fields every provider needs. Provider-specific rules
// (api keys, endpoints) live with the provider constructors.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Type) == "" {
		return errors.New("provider config: provider_type is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("provider config: model is required")
	}
	return nil
}

// Turn is one message of the prompt context handed to a provider, oldest
// first. Self marks turns authored by the generating agent itself.
type Turn struct {
	Sender  string
	Content string
	Self    bool
}

// Request is a generation request: system instructions plus the bounded
// conversation window assembled by the runtime.
type Request struct {
	System string
	Turns  []Turn
}

// Reply is the provider's generated response.
type Reply struct {
	Content      string
	Model        string
	FinishReason string
}

// Provider is the boundary to an external LLM backend. Implementations must
// honor ctx cancellation and deadlines; they do not retry.
type Provider interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// Factory builds a provider from its validated configuration.
type Factory func(cfg Config) (Provider, error)

// ErrOverloaded is returned by the gateway when the concurrency cap is
// reached and the wait queue is full. Callers fail fast instead of queueing
// unboundedly.
var ErrOverloaded = errors.New("generation gateway overloaded")

// GenerationError wraps a provider-side failure so callers can tell it apart
// from broker errors when deciding between retry and dead-letter.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
