package supervisor

import (
	"github.com/fogfish/opts"

	"github.com/parley-ai/parley"
	"github.com/parley-ai/parley/broker"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/provider/models"
	"github.com/parley-ai/parley/runtime"
)

// NewRuntimeFactory builds runners from the registered provider backends:
// each agent gets a provider constructed from its tagged configuration,
// fronted by its own bounded gateway, consuming from the shared broker.
func NewRuntimeFactory(b broker.Broker, rtOptions ...opts.Option[runtime.Runtime]) Factory {
	return func(agent parley.Agent) (Runner, error) {
		cfg := agent.ProviderConfig()
		p, err := models.New(cfg)
		if err != nil {
			return nil, err
		}

		var gwOptions []opts.Option[provider.Gateway]
		if cfg.Timeout > 0 {
			gwOptions = append(gwOptions, provider.CallTimeout(cfg.Timeout))
		}
		gw, err := provider.NewGateway(p, gwOptions...)
		if err != nil {
			return nil, err
		}

		return runtime.New(agent, b, gw, rtOptions...)
	}
}
