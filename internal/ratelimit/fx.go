package ratelimit

import "go.uber.org/fx"

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(newTokenBucket),
	fx.Provide(NewLocker),
	fx.Provide(NewCheckoutLimiter),
)
