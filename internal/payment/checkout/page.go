package checkout

import (
	"context"
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
	"go.uber.org/zap"
)

// PageResult is what the intermediary sends to the browser: either the
// provider's HTML or a redirect.
type PageResult struct {
	HTML        []byte
	RedirectURL string
}

// RenderPage replays the stored order body for token against its provider.
func (s *Service) RenderPage(ctx context.Context, token string) (PageResult, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, domain.PaymentPageTokenPrefix) {
		return PageResult{}, domain.ErrPageNotFound
	}
	page, err := s.repo.FindPage(ctx, s.db, token)
	if err != nil {
		return PageResult{}, err
	}
	if !s.clock.Now().Before(page.ExpiresAt) {
		return PageResult{}, domain.ErrPageExpired
	}

	gateway, err := s.gateways.Gateway(page.Provider)
	if err != nil {
		return PageResult{}, err
	}
	replayer, ok := gateway.(domain.PageReplayer)
	if !ok {
		return PageResult{}, domain.ErrPageNotFound
	}

	result, err := replayer.ReplayOrder(ctx, page.RequestBody)
	if err != nil {
		s.metrics.RecordGatewayError(ctx, string(page.Provider), "replay_order", domain.KindLabel(err))
		return PageResult{}, err
	}
	if result.ProviderOrderID != "" {
		if err := s.repo.AttachProviderOrderID(ctx, s.db, page.OrderID, result.ProviderOrderID, s.clock.Now()); err != nil {
			s.log.Warn("failed to attach provider order id",
				zap.String("order_id", page.OrderID.String()),
				zap.String("provider_order_id", result.ProviderOrderID),
				zap.Error(err),
			)
		}
	}

	if result.Kind == domain.OutcomeHTMLPage {
		return PageResult{HTML: result.RawBody}, nil
	}
	if result.RedirectTarget == "" {
		return PageResult{}, &domain.GatewayError{
			Kind:     domain.ErrUnexpectedResponseShape,
			Provider: page.Provider,
			Op:       "replay_order",
			Message:  "replay returned no page and no redirect",
		}
	}
	return PageResult{RedirectURL: result.RedirectTarget}, nil
}
