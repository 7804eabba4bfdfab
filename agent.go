package parley

import (
	"fmt"
	"strings"

	"github.com/fogfish/opts"
	"github.com/parley-ai/parley/provider"
)

// Agent is the static identity and configuration of one messaging agent:
// who it is, which topics it participates in, and which provider generates
// its replies. Runtimes are built from a fully-populated Agent at start and
// keep it for their whole lifetime.
type Agent struct {
	id          string
	name        string
	role        string
	topics      []string
	providerCfg provider.Config
}

var (
	// ID sets the unique agent identifier.
	ID = opts.ForName[Agent, string]("id")
	// Name sets the human-readable agent name.
	Name = opts.ForName[Agent, string]("name")
	// Role sets the agent's role, used in its system prompt.
	Role = opts.ForName[Agent, string]("role")
	// ProviderConfig sets the tagged LLM provider configuration.
	ProviderConfig = opts.ForName[Agent, provider.Config]("providerCfg")
)

// Topics adds topics the agent subscribes to and may publish on.
func Topics(topic string, extra ...string) opts.Option[Agent] {
	return opts.Type[Agent](func(a *Agent) error {
		a.topics = append(a.topics, topic)
		a.topics = append(a.topics, extra...)
		return nil
	})
}

// NewAgent creates an agent configuration from the provided options.
func NewAgent(options ...opts.Option[Agent]) Agent {
	agent := Agent{role: "general"}
	if err := opts.Apply(&agent, options); err != nil {
		panic(err)
	}
	return agent
}

// Validate checks that the configuration is complete enough to start a
// runtime for.
func (a Agent) Validate() error {
	switch {
	case strings.TrimSpace(a.id) == "":
		return fmt.Errorf("agent: id is required")
	case strings.TrimSpace(a.name) == "":
		return fmt.Errorf("agent %s: name is required", a.id)
	case len(a.topics) == 0:
		return fmt.Errorf("agent %s: at least one topic is required", a.id)
	}
	return a.providerCfg.Validate()
}

// ID returns the unique agent identifier.
func (a Agent) ID() string { return a.id }

// Name returns the human-readable agent name.
func (a Agent) Name() string { return a.name }

// Role returns the agent's role.
func (a Agent) Role() string { return a.role }

// Topics returns the topics the agent subscribes to.
func (a Agent) Topics() []string {
	return append([]string(nil), a.topics...)
}

// ProviderConfig returns the tagged provider configuration, opaque to the
// coordination core.
func (a Agent) ProviderConfig() provider.Config { return a.providerCfg }

// Group is the consumer group the agent's runtime subscribes under. One
// group per agent keeps every agent's cursor independent.
func (a Agent) Group() string {
	return "agent-" + a.id
}

// SystemPrompt renders the instructions sent with every generation request.
func (a Agent) SystemPrompt() string {
	return fmt.Sprintf("You are %s, a %s agent. Respond helpfully and concisely.", a.name, a.role)
}
