package parley

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/provider"
)

func TestNewAgent(t *testing.T) {
	agent := NewAgent(
		ID("nova"),
		Name("Nova"),
		Role("research"),
		Topics("science", "general"),
		ProviderConfig(provider.Config{Type: "openai", Model: "gpt-4o-mini", APIKey: "k"}),
	)

	require.NoError(t, agent.Validate())
	assert.Equal(t, "nova", agent.ID())
	assert.Equal(t, "Nova", agent.Name())
	assert.Equal(t, "research", agent.Role())
	assert.Equal(t, []string{"science", "general"}, agent.Topics())
	assert.Equal(t, "agent-nova", agent.Group())
	assert.Equal(t, "You are Nova, a research agent. Respond helpfully and concisely.", agent.SystemPrompt())
}

func TestAgentRoleDefaults(t *testing.T) {
	agent := NewAgent(
		ID("nova"),
		Name("Nova"),
		Topics("science"),
		ProviderConfig(provider.Config{Type: "openai", Model: "gpt-4o-mini"}),
	)
	require.NoError(t, agent.Validate())
	assert.Equal(t, "general", agent.Role())
}

func TestAgentValidate(t *testing.T) {
	cfg := provider.Config{Type: "openai", Model: "gpt-4o-mini"}

	tests := []struct {
		name  string
		agent Agent
	}{
		{"missing id", NewAgent(Name("Nova"), Topics("science"), ProviderConfig(cfg))},
		{"missing name", NewAgent(ID("nova"), Topics("science"), ProviderConfig(cfg))},
		{"missing topics", NewAgent(ID("nova"), Name("Nova"), ProviderConfig(cfg))},
		{"missing provider", NewAgent(ID("nova"), Name("Nova"), Topics("science"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.agent.Validate())
		})
	}
}

func TestAgentTopicsCopy(t *testing.T) {
	agent := NewAgent(
		ID("nova"), Name("Nova"), Topics("science"),
		ProviderConfig(provider.Config{Type: "openai", Model: "m"}),
	)
	topics := agent.Topics()
	topics[0] = "mutated"
	assert.Equal(t, []string{"science"}, agent.Topics())
}
