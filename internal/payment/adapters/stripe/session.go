package stripe

import (
	"context"
	"net/http"
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
	stripeapi "github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
)

// MapSessionStatus maps a checkout session's status pair to the local
// lifecycle.
func MapSessionStatus(status, paymentStatus string) domain.OrderStatus {
	switch stripeapi.CheckoutSessionStatus(status) {
	case stripeapi.CheckoutSessionStatusComplete:
		switch stripeapi.CheckoutSessionPaymentStatus(paymentStatus) {
		case stripeapi.CheckoutSessionPaymentStatusPaid, stripeapi.CheckoutSessionPaymentStatusNoPaymentRequired:
			return domain.StatusCompleted
		default:
			return domain.StatusPending
		}
	case stripeapi.CheckoutSessionStatusExpired:
		return domain.StatusCanceled
	case stripeapi.CheckoutSessionStatusOpen:
		return domain.StatusPending
	default:
		return domain.StatusUnknown
	}
}

func recurringInterval(cycle domain.BillingCycle) string {
	if cycle == domain.BillingYearly {
		return string(stripeapi.PriceRecurringIntervalYear)
	}
	return string(stripeapi.PriceRecurringIntervalMonth)
}

func orderMetadata(req domain.OrderRequest) map[string]string {
	return map[string]string{
		"user_id":       req.UserID,
		"plan_id":       req.PlanID,
		"billing_cycle": string(req.BillingCycle),
		"ext_order_id":  req.ExternalOrderID,
	}
}

func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.GatewayOrderResult, error) {
	const op = "create_order"
	if _, err := c.Authenticate(ctx); err != nil {
		return domain.GatewayOrderResult{}, err
	}
	if err := c.validate.Struct(req); err != nil {
		return domain.GatewayOrderResult{}, validationError(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, createOrderTimeout)
	defer cancel()

	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		CustomerEmail:     stripeapi.String(req.Buyer.Email),
		ClientReferenceID: stripeapi.String(req.ExternalOrderID),
		SuccessURL:        stripeapi.String(c.cfg.SuccessURL),
		CancelURL:         stripeapi.String(c.cfg.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{{
			Quantity: stripeapi.Int64(1),
			PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripeapi.String(strings.ToLower(req.Currency)),
				UnitAmount: stripeapi.Int64(req.TotalAmount),
				Recurring: &stripeapi.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripeapi.String(recurringInterval(req.BillingCycle)),
				},
				ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripeapi.String(req.Description),
				},
			},
		}},
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: orderMetadata(req),
		},
	}
	params.Context = ctx
	for key, value := range orderMetadata(req) {
		params.AddMetadata(key, value)
	}

	sess, err := c.sessions.New(params)
	if err != nil {
		mapped := mapError(op, err)
		c.log.Warn("checkout session creation failed",
			zap.String("ext_order_id", req.ExternalOrderID),
			zap.String("error_kind", domain.KindLabel(mapped)),
			zap.Error(err),
		)
		return domain.GatewayOrderResult{}, mapped
	}
	if strings.TrimSpace(sess.URL) == "" {
		c.log.Error("checkout session without url", zap.String("session_id", sess.ID))
		return domain.GatewayOrderResult{Kind: domain.OutcomeUnexpected}, &domain.GatewayError{
			Kind:     domain.ErrUnexpectedResponseShape,
			Provider: domain.ProviderStripe,
			Op:       op,
			Message:  "checkout session has no url",
		}
	}

	c.log.Info("checkout session created",
		zap.String("session_id", sess.ID),
		zap.String("ext_order_id", req.ExternalOrderID),
	)
	return domain.GatewayOrderResult{
		Kind:            domain.OutcomeRedirect,
		ProviderOrderID: sess.ID,
		RedirectTarget:  sess.URL,
		StatusCode:      http.StatusOK,
	}, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, providerOrderID string) (domain.ProviderStatus, error) {
	const op = "get_order_status"
	if _, err := c.Authenticate(ctx); err != nil {
		return domain.ProviderStatus{}, err
	}
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return domain.ProviderStatus{}, &domain.GatewayError{
			Kind:     domain.ErrValidation,
			Provider: domain.ProviderStripe,
			Op:       op,
			Message:  "session id is required",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := c.sessions.Get(providerOrderID, params)
	if err != nil {
		return domain.ProviderStatus{}, mapError(op, err)
	}

	status := domain.ProviderStatus{
		ProviderOrderID: sess.ID,
		ExternalOrderID: externalOrderID(sess),
		RawStatus:       string(sess.Status) + "/" + string(sess.PaymentStatus),
		Status:          MapSessionStatus(string(sess.Status), string(sess.PaymentStatus)),
	}
	if sess.LastResponse != nil {
		status.Payload = sess.LastResponse.RawJSON
	}
	return status, nil
}

func externalOrderID(sess *stripeapi.CheckoutSession) string {
	if sess == nil {
		return ""
	}
	if id := strings.TrimSpace(sess.Metadata["ext_order_id"]); id != "" {
		return id
	}
	return strings.TrimSpace(sess.ClientReferenceID)
}
