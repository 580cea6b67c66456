package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/signature"
	"github.com/stripe/stripe-go/v78/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testSecretKey     = "sk_test_123"
	testWebhookSecret = "whsec_test"
)

func newTestClient(t *testing.T, apiURL string, clk clock.Clock) *Client {
	client, err := New(config.StripeConfig{
		Mode:          "test",
		SecretKey:     testSecretKey,
		WebhookSecret: testWebhookSecret,
		APIURL:        apiURL,
		SuccessURL:    "https://app.example/subscription/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     "https://app.example/subscription?canceled=true",
	}, clk, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func testOrder() domain.OrderRequest {
	return domain.OrderRequest{
		ExternalOrderID: "professional-user7-1700000000000-x1y2z3",
		Description:     "Plan Profesjonalny - abonament roczny",
		Currency:        "PLN",
		TotalAmount:     199900,
		Buyer:           domain.Buyer{Email: "anna@example.com"},
		Products:        []domain.Product{{Name: "Plan Profesjonalny", UnitPrice: 199900, Quantity: 1}},
		UserID:          "user7",
		PlanID:          "professional",
		BillingCycle:    domain.BillingYearly,
		Recurring:       true,
	}
}

func TestNewRequiresSecretKey(t *testing.T) {
	_, err := New(config.StripeConfig{}, clock.New(), nil, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestCreateOrderCreatesSubscriptionSession(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer "+testSecretKey, r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		form = map[string]string{}
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1","status":"open","payment_status":"unpaid"}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, clock.New())
	result, err := client.CreateOrder(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeRedirect, result.Kind)
	assert.Equal(t, "cs_test_1", result.ProviderOrderID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", result.RedirectTarget)

	assert.Equal(t, "subscription", form["mode"])
	assert.Equal(t, "anna@example.com", form["customer_email"])
	assert.Equal(t, "professional-user7-1700000000000-x1y2z3", form["client_reference_id"])
	assert.Equal(t, "pln", form["line_items[0][price_data][currency]"])
	assert.Equal(t, "199900", form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, "year", form["line_items[0][price_data][recurring][interval]"])
	assert.Equal(t, "Plan Profesjonalny - abonament roczny", form["line_items[0][price_data][product_data][name]"])
	assert.Equal(t, "professional-user7-1700000000000-x1y2z3", form["metadata[ext_order_id]"])
	assert.Equal(t, "user7", form["subscription_data[metadata][user_id]"])
}

func TestCreateOrderMapsAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthentication},
		{"bad request", http.StatusBadRequest, domain.ErrValidation},
		{"payment required", http.StatusPaymentRequired, domain.ErrValidation},
		{"not found", http.StatusNotFound, domain.ErrValidation},
		{"rate limited", http.StatusTooManyRequests, domain.ErrTransientGateway},
		{"server error", http.StatusInternalServerError, domain.ErrTransientGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"nope","param":"line_items"}}`)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL, clock.New())
			_, err := client.CreateOrder(context.Background(), testOrder())
			require.ErrorIs(t, err, tt.want)

			var gwErr *domain.GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tt.status, gwErr.StatusCode)
		})
	}
}

func TestCreateOrderValidatesLocally(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1", clock.New())
	req := testOrder()
	req.Buyer.Email = "broken"

	_, err := client.CreateOrder(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateOrderNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url, clock.New())
	_, err := client.CreateOrder(context.Background(), testOrder())
	require.ErrorIs(t, err, domain.ErrTransientGateway)
}

func TestGetOrderStatus(t *testing.T) {
	tests := []struct {
		body string
		want domain.OrderStatus
	}{
		{`{"id":"cs_1","status":"complete","payment_status":"paid","metadata":{"ext_order_id":"basic-u-1"}}`, domain.StatusCompleted},
		{`{"id":"cs_1","status":"complete","payment_status":"no_payment_required"}`, domain.StatusCompleted},
		{`{"id":"cs_1","status":"complete","payment_status":"unpaid"}`, domain.StatusPending},
		{`{"id":"cs_1","status":"expired","payment_status":"unpaid"}`, domain.StatusCanceled},
		{`{"id":"cs_1","status":"open","payment_status":"unpaid"}`, domain.StatusPending},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, tt.body)
		}))

		client := newTestClient(t, srv.URL, clock.New())
		status, err := client.GetOrderStatus(context.Background(), "cs_1")
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, tt.want, status.Status, tt.body)
	}
}

func TestMapSessionStatusUnknown(t *testing.T) {
	assert.Equal(t, domain.StatusUnknown, MapSessionStatus("", ""))
	assert.Equal(t, domain.StatusUnknown, MapSessionStatus("weird", "paid"))
}

func signedEvent(t *testing.T, event map[string]any) ([]byte, http.Header) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	headers := http.Header{}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	headers.Set(SignatureHeader, signed.Header)
	return payload, headers
}

func TestVerify(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	client := newTestClient(t, "", clk)
	payload, headers := signedEvent(t, map[string]any{"id": "evt_1", "type": "invoice.paid"})

	require.NoError(t, client.Verify(context.Background(), payload, headers))

	mutated := []byte(strings.Replace(string(payload), "evt_1", "evt_2", 1))
	require.ErrorIs(t, client.Verify(context.Background(), mutated, headers), signature.ErrInvalidSignature)
	require.ErrorIs(t, client.Verify(context.Background(), payload, http.Header{}), signature.ErrMissingSignature)

	otherSecret := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})
	headers.Set(SignatureHeader, otherSecret.Header)
	require.ErrorIs(t, client.Verify(context.Background(), payload, headers), signature.ErrInvalidSignature)

	headers.Set(SignatureHeader, "t=123")
	require.ErrorIs(t, client.Verify(context.Background(), payload, headers), signature.ErrInvalidSignature)

	stale := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now().Add(-time.Hour),
	})
	headers.Set(SignatureHeader, stale.Header)
	require.ErrorIs(t, client.Verify(context.Background(), payload, headers), signature.ErrSignatureExpired)
}

func TestVerifyAcceptsAnyMatchingSignature(t *testing.T) {
	client := newTestClient(t, "", clock.NewFakeClock(time.Now()))
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	headers := http.Header{}
	headers.Set(SignatureHeader, signed.Header+",v1=00ff")

	require.NoError(t, client.Verify(context.Background(), payload, headers))
}

func TestParseCheckoutSessionCompleted(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	client := newTestClient(t, "", clk)
	payload, _ := signedEvent(t, map[string]any{
		"id":      "evt_cs",
		"type":    "checkout.session.completed",
		"created": clk.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_test_1",
				"object":              "checkout.session",
				"status":              "complete",
				"payment_status":      "paid",
				"amount_total":        79900,
				"currency":            "pln",
				"client_reference_id": "basic-user1-1",
				"customer":            "cus_123",
				"subscription":        "sub_123",
				"metadata": map[string]any{
					"ext_order_id":  "basic-user1-1",
					"user_id":       "user1",
					"plan_id":       "basic",
					"billing_cycle": "monthly",
				},
			},
		},
	})

	n, err := client.ParseNotification(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationOrderStatus, n.Kind)
	assert.Equal(t, domain.StatusCompleted, n.Status)
	assert.Equal(t, "cs_test_1", n.ProviderOrderID)
	assert.Equal(t, "basic-user1-1", n.ExternalOrderID)
	assert.Equal(t, "cus_123", n.ProviderCustomerID)
	assert.Equal(t, "sub_123", n.ProviderSubscriptionID)
	assert.Equal(t, "user1", n.UserID)
	assert.Equal(t, int64(79900), n.Amount)
	assert.Equal(t, "PLN", n.Currency)
	assert.Equal(t, clk.Now(), n.OccurredAt)
}

func TestParseSessionExpiredAndFailed(t *testing.T) {
	client := newTestClient(t, "", clock.New())
	for eventType, want := range map[string]domain.OrderStatus{
		"checkout.session.expired":              domain.StatusCanceled,
		"checkout.session.async_payment_failed": domain.StatusFailed,
	} {
		payload, err := json.Marshal(map[string]any{
			"id":   "evt_" + eventType,
			"type": eventType,
			"data": map[string]any{"object": map[string]any{"id": "cs_2", "status": "expired"}},
		})
		require.NoError(t, err)

		n, err := client.ParseNotification(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, want, n.Status, eventType)
	}
}

func TestParseSubscriptionEvents(t *testing.T) {
	client := newTestClient(t, "", clock.New())
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	payload, err := json.Marshal(map[string]any{
		"id":   "evt_sub",
		"type": "customer.subscription.updated",
		"data": map[string]any{"object": map[string]any{
			"id":                   "sub_123",
			"status":               "past_due",
			"customer":             "cus_123",
			"cancel_at_period_end": true,
			"current_period_start": start.Unix(),
			"current_period_end":   end.Unix(),
			"metadata":             map[string]any{"user_id": "user1"},
		}},
	})
	require.NoError(t, err)

	n, err := client.ParseNotification(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSubscriptionStatus, n.Kind)
	assert.Equal(t, "past_due", n.SubscriptionStatus)
	assert.True(t, n.CancelAtPeriodEnd)
	require.NotNil(t, n.PeriodEnd)
	assert.Equal(t, end, *n.PeriodEnd)

	payload, err = json.Marshal(map[string]any{
		"id":   "evt_del",
		"type": "customer.subscription.deleted",
		"data": map[string]any{"object": map[string]any{"id": "sub_123", "status": "active"}},
	})
	require.NoError(t, err)
	n, err = client.ParseNotification(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "canceled", n.SubscriptionStatus)
}

func TestParseInvoiceEvents(t *testing.T) {
	client := newTestClient(t, "", clock.New())

	renewal, err := json.Marshal(map[string]any{
		"id":   "evt_inv",
		"type": "invoice.payment_succeeded",
		"data": map[string]any{"object": map[string]any{
			"id":             "in_2",
			"subscription":   "sub_123",
			"billing_reason": "subscription_cycle",
			"amount_paid":    79900,
			"currency":       "pln",
		}},
	})
	require.NoError(t, err)
	n, err := client.ParseNotification(context.Background(), renewal)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationInvoicePaid, n.Kind)
	assert.Equal(t, "in_2", n.InvoiceID)
	assert.Equal(t, "sub_123", n.ProviderSubscriptionID)

	first, err := json.Marshal(map[string]any{
		"id":   "evt_inv_first",
		"type": "invoice.payment_succeeded",
		"data": map[string]any{"object": map[string]any{
			"id":             "in_1",
			"subscription":   "sub_123",
			"billing_reason": "subscription_create",
		}},
	})
	require.NoError(t, err)
	_, err = client.ParseNotification(context.Background(), first)
	require.ErrorIs(t, err, domain.ErrEventIgnored)

	failed, err := json.Marshal(map[string]any{
		"id":   "evt_inv_failed",
		"type": "invoice.payment_failed",
		"data": map[string]any{"object": map[string]any{
			"id":           "in_3",
			"subscription": "sub_123",
			"amount_due":   79900,
		}},
	})
	require.NoError(t, err)
	n, err = client.ParseNotification(context.Background(), failed)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationInvoiceFailed, n.Kind)
	assert.Equal(t, int64(79900), n.Amount)
}

func TestParseIgnoredAndInvalid(t *testing.T) {
	client := newTestClient(t, "", clock.New())

	_, err := client.ParseNotification(context.Background(), []byte(`{"id":"evt_x","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`))
	require.ErrorIs(t, err, domain.ErrEventIgnored)

	n, err := client.ParseNotification(context.Background(), []byte(`{"id":"evt_t","type":"customer.subscription.trial_will_end","data":{"object":{"id":"sub_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationInformational, n.Kind)

	_, err = client.ParseNotification(context.Background(), []byte(`{`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = client.ParseNotification(context.Background(), []byte(`{"id":"evt_y","type":"checkout.session.completed","data":{"object":{}}}`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestCreatePortalSession(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/billing_portal/sessions", r.URL.Path)
		assert.Equal(t, "Bearer "+testSecretKey, r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		form = map[string]string{}
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"bps_1","object":"billing_portal.session","customer":"cus_1","url":"https://billing.stripe.com/p/session/bps_1"}`)
	}))
	defer srv.Close()

	client, err := New(config.StripeConfig{
		Mode:            "test",
		SecretKey:       testSecretKey,
		APIURL:          srv.URL,
		PortalReturnURL: "https://app.example/subscription",
	}, clock.New(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	url, err := client.CreatePortalSession(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/session/bps_1", url)
	assert.Equal(t, "cus_1", form["customer"])
	assert.Equal(t, "https://app.example/subscription", form["return_url"])
}

func TestCreatePortalSessionErrors(t *testing.T) {
	client := newTestClient(t, "", clock.New())
	_, err := client.CreatePortalSession(context.Background(), " ")
	require.ErrorIs(t, err, domain.ErrValidation)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"No such customer","param":"customer"}}`)
	}))
	defer srv.Close()

	client = newTestClient(t, srv.URL, clock.New())
	_, err = client.CreatePortalSession(context.Background(), "cus_missing")
	require.ErrorIs(t, err, domain.ErrValidation)
}
