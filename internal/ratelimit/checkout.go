package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/paysync/internal/config"
)

const keyCheckoutUser = "paysync:checkout:user:%s"

// CheckoutLimiter bounds how often one user may start a checkout. A nil
// limiter allows everything.
type CheckoutLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewCheckoutLimiter(cfg config.Config, bucket *TokenBucket) (*CheckoutLimiter, error) {
	if bucket == nil {
		return nil, nil
	}
	if cfg.Checkout.RatePerMinute <= 0 || cfg.Checkout.Burst <= 0 {
		return nil, errors.New("checkout rate limit must be positive")
	}
	return &CheckoutLimiter{
		bucket: bucket,
		rate:   cfg.Checkout.RatePerMinute / 60,
		burst:  cfg.Checkout.Burst,
	}, nil
}

func (l *CheckoutLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *CheckoutLimiter) AllowUser(ctx context.Context, userID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyCheckoutUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
