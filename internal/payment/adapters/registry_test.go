package adapters

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/smallbiznis/paysync/internal/payment/domain"
)

type stubGateway struct {
	provider domain.Provider
}

func (g stubGateway) Provider() domain.Provider { return g.provider }
func (g stubGateway) Sandbox() bool { return true }
func (g stubGateway) Authenticate(context.Context) (domain.AccessToken, error) {
	return domain.AccessToken{}, nil
}
func (g stubGateway) CreateOrder(context.Context, domain.OrderRequest) (domain.GatewayOrderResult, error) {
	return domain.GatewayOrderResult{}, nil
}
func (g stubGateway) GetOrderStatus(context.Context, string) (domain.ProviderStatus, error) {
	return domain.ProviderStatus{}, nil
}
func (g stubGateway) Verify(context.Context, []byte, http.Header) error { return nil }
func (g stubGateway) ParseNotification(context.Context, []byte) (domain.Notification, error) {
	return domain.Notification{}, nil
}

func TestRegistryResolvesProviders(t *testing.T) {
	registry := NewRegistry(stubGateway{provider: "PayU"}, nil, stubGateway{provider: ""})

	gateway, err := registry.Gateway(" payu ")
	if err != nil {
		t.Fatalf("expected payu gateway, got %v", err)
	}
	if gateway.Provider() != "PayU" {
		t.Fatalf("unexpected gateway %v", gateway.Provider())
	}
	if !registry.ProviderExists(domain.ProviderPayU) {
		t.Fatalf("expected payu to exist")
	}
	if _, err := registry.Gateway(domain.ProviderStripe); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
	if _, err := registry.Gateway(""); !errors.Is(err, domain.ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}
	if len(registry.Providers()) != 1 {
		t.Fatalf("expected one provider, got %v", registry.Providers())
	}

	var nilRegistry *Registry
	if nilRegistry.ProviderExists(domain.ProviderPayU) {
		t.Fatalf("nil registry must not resolve providers")
	}
}
