package adapters

import (
	"errors"
	"net/http"

	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/payment/adapters/payu"
	"github.com/smallbiznis/paysync/internal/payment/adapters/stripe"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

// ProvideRegistry registers every gateway whose credentials are present.
// Unconfigured providers are skipped so a deployment can run one gateway.
func ProvideRegistry(p Params) (*Registry, error) {
	log := p.Log.Named("payment.adapters")
	httpClient := &http.Client{}
	var gateways []domain.Gateway

	payuClient, err := payu.New(p.Cfg.PayU, p.Clock, httpClient, p.Log)
	switch {
	case err == nil:
		gateways = append(gateways, payuClient)
	case errors.Is(err, domain.ErrConfiguration):
		log.Warn("payu gateway disabled", zap.Error(err))
	default:
		return nil, err
	}

	stripeClient, err := stripe.New(p.Cfg.Stripe, p.Clock, httpClient, p.Log)
	switch {
	case err == nil:
		gateways = append(gateways, stripeClient)
	case errors.Is(err, domain.ErrConfiguration):
		log.Warn("stripe gateway disabled", zap.Error(err))
	default:
		return nil, err
	}

	if len(gateways) == 0 && p.Cfg.IsProduction() {
		return nil, errors.New("no payment gateway configured")
	}
	return NewRegistry(gateways...), nil
}

var Module = fx.Module("payment.adapters",
	fx.Provide(ProvideRegistry),
)
