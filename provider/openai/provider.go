// Package openai implements the provider boundary on top of the OpenAI chat
// completions API. It also serves OpenAI-compatible local endpoints
// (Ollama-style) via the base_url configuration.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/parley-ai/parley/provider"
)

// Provider type tags handled by this package.
const (
	Type       = "openai"
	TypeOllama = "ollama"
	TypeGoogle = "google"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434/v1"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

const defaultMaxTokens = 1024

type Provider struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature float64
}

// New creates a provider from the tagged configuration. Either api_key or
// base_url must be set; local endpoints usually need no key.
func New(cfg provider.Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai provider: api_key or base_url is required")
	}

	var ropts []option.RequestOption
	if cfg.APIKey != "" {
		ropts = append(ropts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(cfg.BaseURL))
	}

	p := &Provider{
		client:      openai.NewClient(ropts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
	if p.maxTokens <= 0 {
		p.maxTokens = defaultMaxTokens
	}
	return p, nil
}

// NewOllama creates a provider for an Ollama-compatible local endpoint,
// defaulting base_url to the standard local address.
func NewOllama(cfg provider.Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	if cfg.APIKey == "" {
		// The SDK requires a key header; local endpoints ignore its value.
		cfg.APIKey = "ollama"
	}
	return New(cfg)
}

// NewGemini creates a provider for Google's Gemini models, reached through
// their OpenAI-compatible endpoint.
func NewGemini(cfg provider.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google provider: api_key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	return New(cfg)
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Reply, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, turn := range req.Turns {
		if turn.Self {
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
			continue
		}
		content := turn.Content
		if turn.Sender != "" {
			content = fmt.Sprintf("[%s] %s", turn.Sender, content)
		}
		msgs = append(msgs, openai.UserMessage(content))
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(p.maxTokens),
	}
	if p.temperature > 0 {
		params.Temperature = openai.Float(p.temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return provider.Reply{}, &provider.GenerationError{Provider: Type, Err: err}
	}
	if len(resp.Choices) == 0 {
		return provider.Reply{}, &provider.GenerationError{Provider: Type, Err: errors.New("no choices returned")}
	}

	choice := resp.Choices[0]
	if strings.TrimSpace(choice.Message.Content) == "" {
		return provider.Reply{}, &provider.GenerationError{Provider: Type, Err: errors.New("empty completion")}
	}
	return provider.Reply{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
	}, nil
}
