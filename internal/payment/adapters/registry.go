package adapters

import (
	"github.com/smallbiznis/loyalty/internal/payment/domain"
)

// Factory builds an adapter from the provider's secret material.
type Factory interface {
	Provider() domain.Provider
	NewAdapter(cfg Config) (domain.Adapter, error)
}

type Registry struct {
	factories map[domain.Provider]Factory
}

func NewRegistry(factories ...Factory) *Registry {
	registry := &Registry{factories: map[domain.Provider]Factory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider, err := domain.ParseProvider(string(factory.Provider()))
		if err != nil {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	parsed, err := domain.ParseProvider(provider)
	if err != nil {
		return false
	}
	_, ok := r.factories[parsed]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg Config) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	parsed, err := domain.ParseProvider(provider)
	if err != nil {
		return nil, err
	}
	factory, ok := r.factories[parsed]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}
