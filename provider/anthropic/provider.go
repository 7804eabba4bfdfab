// Package anthropic implements the provider boundary on top of the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/parley-ai/parley/provider"
)

// Type is the provider tag handled by this package.
const Type = "anthropic"

const defaultMaxTokens = 1024

type Provider struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// New creates a provider from the tagged configuration. The SDK also honors
// ANTHROPIC_API_KEY when api_key is unset.
func New(cfg provider.Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var ropts []option.RequestOption
	if cfg.APIKey != "" {
		ropts = append(ropts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(cfg.BaseURL))
	}

	p := &Provider{
		client:      anthropic.NewClient(ropts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
	if p.maxTokens <= 0 {
		p.maxTokens = defaultMaxTokens
	}
	return p, nil
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Reply, error) {
	msgs := buildMessages(req.Turns)
	if len(msgs) == 0 {
		return provider.Reply{}, &provider.GenerationError{Provider: Type, Err: errors.New("empty conversation context")}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if p.temperature > 0 {
		params.Temperature = anthropic.Float(p.temperature)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Reply{}, &provider.GenerationError{Provider: Type, Err: err}
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		return provider.Reply{}, &provider.GenerationError{Provider: Type, Err: errors.New("empty completion")}
	}
	return provider.Reply{
		Content:      content,
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
	}, nil
}

// buildMessages converts the conversation window into the alternating
// user/assistant shape the Messages API expects: consecutive turns by the
// same side are coalesced, and a window that opens with the agent's own turn
// gets a synthetic user lead-in.
func buildMessages(turns []provider.Turn) []anthropic.MessageParam {
	type part struct {
		self bool
		text []string
	}
	var parts []part
	for _, turn := range turns {
		text := turn.Content
		if !turn.Self && turn.Sender != "" {
			text = fmt.Sprintf("[%s] %s", turn.Sender, text)
		}
		if len(parts) > 0 && parts[len(parts)-1].self == turn.Self {
			last := &parts[len(parts)-1]
			last.text = append(last.text, text)
			continue
		}
		parts = append(parts, part{self: turn.Self, text: []string{text}})
	}

	var msgs []anthropic.MessageParam
	for i, pt := range parts {
		text := strings.Join(pt.text, "\n")
		if pt.self {
			if i == 0 {
				msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock("(conversation resumes mid-thread)")))
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return msgs
}
