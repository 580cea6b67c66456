package stripe

import (
	"context"
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
	stripeapi "github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
)

// CreatePortalSession opens a billing portal session for customerID and
// returns the URL the customer should be sent to.
func (c *Client) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	const op = "create_portal_session"
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", &domain.GatewayError{
			Kind:     domain.ErrValidation,
			Provider: domain.ProviderStripe,
			Op:       op,
			Message:  "customer id is required",
			Fields:   []string{"customer"},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	params := &stripeapi.BillingPortalSessionParams{
		Customer: stripeapi.String(customerID),
	}
	if returnURL := strings.TrimSpace(c.cfg.PortalReturnURL); returnURL != "" {
		params.ReturnURL = stripeapi.String(returnURL)
	}
	params.Context = ctx

	sess, err := c.portals.New(params)
	if err != nil {
		mapped := mapError(op, err)
		c.log.Warn("billing portal session failed",
			zap.String("customer_id", customerID),
			zap.String("error_kind", domain.KindLabel(mapped)),
			zap.Error(err),
		)
		return "", mapped
	}
	if strings.TrimSpace(sess.URL) == "" {
		return "", &domain.GatewayError{
			Kind:     domain.ErrUnexpectedResponseShape,
			Provider: domain.ProviderStripe,
			Op:       op,
			Message:  "portal session has no url",
		}
	}
	return sess.URL, nil
}
