package payment

import (
	"github.com/smallbiznis/paysync/internal/payment/adapters"
	"github.com/smallbiznis/paysync/internal/payment/checkout"
	"github.com/smallbiznis/paysync/internal/payment/reconcile"
	"github.com/smallbiznis/paysync/internal/payment/repository"
	"github.com/smallbiznis/paysync/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	adapters.Module,
	fx.Provide(repository.Provide),
	fx.Provide(
		func(r *adapters.Registry) reconcile.GatewayResolver { return r },
		func(r *adapters.Registry) checkout.GatewayResolver { return r },
	),
	fx.Provide(reconcile.NewEngine),
	fx.Provide(func(e *reconcile.Engine) webhook.NotificationHandler { return e }),
	fx.Provide(checkout.NewService),
	fx.Provide(webhook.NewService),
)
