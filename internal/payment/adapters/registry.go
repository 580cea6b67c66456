package adapters

import (
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
)

// Registry resolves the configured gateway for a provider name.
type Registry struct {
	gateways map[domain.Provider]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	registry := &Registry{gateways: map[domain.Provider]domain.Gateway{}}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		provider := domain.Provider(strings.ToLower(strings.TrimSpace(string(gateway.Provider()))))
		if provider == "" {
			continue
		}
		registry.gateways[provider] = gateway
	}
	return registry
}

func (r *Registry) ProviderExists(provider domain.Provider) bool {
	_, err := r.Gateway(provider)
	return err == nil
}

func (r *Registry) Gateway(provider domain.Provider) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = domain.Provider(strings.ToLower(strings.TrimSpace(string(provider))))
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}
	gateway, ok := r.gateways[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gateway, nil
}

func (r *Registry) Providers() []domain.Provider {
	if r == nil {
		return nil
	}
	providers := make([]domain.Provider, 0, len(r.gateways))
	for provider := range r.gateways {
		providers = append(providers, provider)
	}
	return providers
}
