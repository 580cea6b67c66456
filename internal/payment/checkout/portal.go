package checkout

import (
	"context"
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
	"go.uber.org/zap"
)

// OpenBillingPortal returns a provider-hosted URL where the user manages the
// subscription they currently hold.
func (s *Service) OpenBillingPortal(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", domain.ErrMissingUser
	}

	sub, err := s.subscriptions.GetActive(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub.ProviderCustomerID == nil || strings.TrimSpace(*sub.ProviderCustomerID) == "" {
		return "", domain.ErrPortalUnavailable
	}

	gateway, err := s.gateways.Gateway(sub.Provider)
	if err != nil {
		return "", err
	}
	portal, ok := gateway.(domain.BillingPortal)
	if !ok {
		return "", domain.ErrPortalUnavailable
	}

	url, err := portal.CreatePortalSession(ctx, *sub.ProviderCustomerID)
	if err != nil {
		s.metrics.RecordGatewayError(ctx, string(sub.Provider), "create_portal_session", domain.KindLabel(err))
		return "", err
	}
	s.log.Info("billing portal opened",
		zap.String("user_id", userID),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("provider", string(sub.Provider)),
	)
	return url, nil
}
