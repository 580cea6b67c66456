package payu

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/signature"
)

const SignatureHeader = "OpenPayu-Signature"

type notification struct {
	Order                *notificationOrder `json:"order"`
	Refund               json.RawMessage    `json:"refund"`
	LocalReceiptDateTime string             `json:"localReceiptDateTime"`
	Properties           []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"properties"`
}

type notificationOrder struct {
	OrderID       string `json:"orderId"`
	ExtOrderID    string `json:"extOrderId"`
	OrderCreateAt string `json:"orderCreateDate"`
	Status        string `json:"status"`
	TotalAmount   string `json:"totalAmount"`
	CurrencyCode  string `json:"currencyCode"`
	MerchantPosID string `json:"merchantPosId"`
	Buyer         *struct {
		Email string `json:"email"`
	} `json:"buyer"`
}

// Verify checks the OpenPayu-Signature header with the second key.
func (c *Client) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return signature.VerifyPayU(payload, headers.Get(SignatureHeader), c.cfg.SecondKey)
}

func (c *Client) ParseNotification(ctx context.Context, payload []byte) (domain.Notification, error) {
	var raw notification
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.Notification{}, domain.ErrInvalidPayload
	}
	if raw.Order == nil {
		if len(raw.Refund) > 0 {
			return domain.Notification{}, domain.ErrEventIgnored
		}
		return domain.Notification{}, domain.ErrInvalidPayload
	}

	order := raw.Order
	orderID := strings.TrimSpace(order.OrderID)
	extOrderID := strings.TrimSpace(order.ExtOrderID)
	if orderID == "" && extOrderID == "" {
		return domain.Notification{}, domain.ErrInvalidPayload
	}

	rawStatus := strings.ToUpper(strings.TrimSpace(order.Status))
	amount, _ := strconv.ParseInt(strings.TrimSpace(order.TotalAmount), 10, 64)

	occurredAt := c.clock.Now()
	if ts := strings.TrimSpace(raw.LocalReceiptDateTime); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	return domain.Notification{
		Provider:        domain.ProviderPayU,
		Kind:            domain.NotificationOrderStatus,
		EventID:         orderID + ":" + rawStatus,
		EventType:       "order." + strings.ToLower(rawStatus),
		ExternalOrderID: extOrderID,
		ProviderOrderID: orderID,
		RawStatus:       rawStatus,
		Status:          MapStatus(rawStatus),
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(order.CurrencyCode)),
		OccurredAt:      occurredAt,
		Payload:         payload,
	}, nil
}
