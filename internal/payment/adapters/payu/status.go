package payu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
)

// MapStatus maps a PayU order status to the local lifecycle. Unknown values
// map to StatusUnknown.
func MapStatus(raw string) domain.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW", "PENDING", "WAITING_FOR_CONFIRMATION":
		return domain.StatusPending
	case "COMPLETED":
		return domain.StatusCompleted
	case "CANCELED", "CANCELLED":
		return domain.StatusCanceled
	case "REJECTED":
		return domain.StatusFailed
	default:
		return domain.StatusUnknown
	}
}

type orderDetails struct {
	OrderID      string `json:"orderId"`
	ExtOrderID   string `json:"extOrderId"`
	Status       string `json:"status"`
	TotalAmount  string `json:"totalAmount"`
	CurrencyCode string `json:"currencyCode"`
}

type orderDetailsResponse struct {
	Orders []orderDetails `json:"orders"`
	Status struct {
		StatusCode string `json:"statusCode"`
	} `json:"status"`
}

func (c *Client) GetOrderStatus(ctx context.Context, providerOrderID string) (domain.ProviderStatus, error) {
	const op = "get_order_status"
	if err := c.checkConfig(op); err != nil {
		return domain.ProviderStatus{}, err
	}
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return domain.ProviderStatus{}, &domain.GatewayError{
			Kind:     domain.ErrValidation,
			Provider: domain.ProviderPayU,
			Op:       op,
			Message:  "provider order id is required",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	resp, err := c.doAuthorized(ctx, op, http.MethodGet, ordersPath+"/"+url.PathEscape(providerOrderID), nil)
	if err != nil {
		return domain.ProviderStatus{}, err
	}
	switch {
	case resp.statusCode == http.StatusNotFound:
		return domain.ProviderStatus{}, &domain.GatewayError{
			Kind:       domain.ErrValidation,
			Provider:   domain.ProviderPayU,
			Op:         op,
			StatusCode: resp.statusCode,
			Code:       "order_not_found",
			RawBody:    diagnosticBody(resp.body),
		}
	case resp.statusCode != http.StatusOK:
		return domain.ProviderStatus{}, statusError(op, resp)
	}

	var payload orderDetailsResponse
	if err := json.Unmarshal(resp.body, &payload); err != nil || len(payload.Orders) == 0 {
		return domain.ProviderStatus{}, &domain.GatewayError{
			Kind:       domain.ErrUnexpectedResponseShape,
			Provider:   domain.ProviderPayU,
			Op:         op,
			StatusCode: resp.statusCode,
			RawBody:    diagnosticBody(resp.body),
			Err:        err,
		}
	}

	order := payload.Orders[0]
	return domain.ProviderStatus{
		ProviderOrderID: order.OrderID,
		ExternalOrderID: order.ExtOrderID,
		RawStatus:       order.Status,
		Status:          MapStatus(order.Status),
		Payload:         resp.body,
	}, nil
}
