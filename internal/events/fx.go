package events

import (
	"context"

	"github.com/smallbiznis/paysync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
}

// NewPublisher connects to the broker when AMQP_URL is set. Without a broker
// events are dropped.
func NewPublisher(p Params) (Publisher, error) {
	if !p.Cfg.Broker.Enabled() {
		p.Log.Info("event broker not configured, events are dropped")
		return NewNoop(), nil
	}

	publisher, err := DialAMQP(p.Cfg.Broker.URL, p.Cfg.Broker.Exchange, p.Log)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}
