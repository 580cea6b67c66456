package domain

import (
	"context"

	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
)

type Service interface {
	ActivateFromOrder(ctx context.Context, order paymentdomain.Order, details ActivationDetails) (ActivationResult, error)
	RecordRenewal(ctx context.Context, req RenewalRequest) (Subscription, error)
	RecordPaymentFailure(ctx context.Context, req PaymentFailureRequest) (Subscription, error)
	SyncProviderStatus(ctx context.Context, req ProviderStatusUpdate) (Subscription, error)
	GetActive(ctx context.Context, userID string) (Subscription, error)
}
