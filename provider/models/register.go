// Package models is the process-wide registry of provider factories, keyed
// by the provider_type tag of the configuration variant. The bundled
// backends register themselves; embedders can Add their own.
package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parley-ai/parley/internal/registry"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/provider/anthropic"
	"github.com/parley-ai/parley/provider/openai"
)

var Global = registry.New[provider.Factory]()

func init() {
	Add(openai.Type, func(cfg provider.Config) (provider.Provider, error) { return openai.New(cfg) })
	Add(openai.TypeOllama, func(cfg provider.Config) (provider.Provider, error) { return openai.NewOllama(cfg) })
	Add(openai.TypeGoogle, func(cfg provider.Config) (provider.Provider, error) { return openai.NewGemini(cfg) })
	Add(anthropic.Type, func(cfg provider.Config) (provider.Provider, error) { return anthropic.New(cfg) })
}

func Add(providerType string, factory provider.Factory) {
	Global.Add(providerType, factory)
}

func Get(providerType string) (provider.Factory, bool) {
	return Global.Get(providerType)
}

func Del(providerType string) {
	Global.Del(providerType)
}

// New builds a provider from its tagged configuration.
func New(cfg provider.Config) (provider.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, ok := Global.Get(cfg.Type)
	if !ok {
		known := Global.Keys()
		sort.Strings(known)
		return nil, fmt.Errorf("unknown provider type %q (known: %s)", cfg.Type, strings.Join(known, ", "))
	}
	return factory(cfg)
}
