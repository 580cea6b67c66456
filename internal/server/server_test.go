package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/payment/checkout"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/reconcile"
	"github.com/smallbiznis/paysync/internal/payment/repository"
	"github.com/smallbiznis/paysync/internal/payment/signature"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"github.com/smallbiznis/paysync/internal/testutil/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCheckout struct {
	got     checkout.CheckoutRequest
	result  checkout.CheckoutResult
	err     error
	page    checkout.PageResult
	pageErr error

	portalUser string
	portalURL  string
	portalErr  error
}

func (f *fakeCheckout) Start(_ context.Context, req checkout.CheckoutRequest) (checkout.CheckoutResult, error) {
	f.got = req
	return f.result, f.err
}

func (f *fakeCheckout) RenderPage(context.Context, string) (checkout.PageResult, error) {
	return f.page, f.pageErr
}

func (f *fakeCheckout) OpenBillingPortal(_ context.Context, userID string) (string, error) {
	f.portalUser = userID
	return f.portalURL, f.portalErr
}

type fakeWebhook struct {
	provider string
	payload  []byte
	outcome  reconcile.Outcome
	err      error
}

func (f *fakeWebhook) IngestWebhook(_ context.Context, provider string, payload []byte, _ http.Header) (reconcile.Outcome, error) {
	f.provider = provider
	f.payload = payload
	return f.outcome, f.err
}

// completingReconciler marks the order COMPLETED the way the engine would.
type completingReconciler struct {
	db    *gorm.DB
	repo  paymentdomain.Repository
	calls int
}

func (r *completingReconciler) Reconcile(ctx context.Context, order paymentdomain.Order) (reconcile.Outcome, error) {
	r.calls++
	_, err := r.repo.UpdateStatus(ctx, r.db, order.ID, paymentdomain.StatusPending, paymentdomain.StatusCompleted, paymentdomain.StatusUpdate{At: now})
	return reconcile.Outcome{Kind: reconcile.OutcomeApplied, OrderID: order.ID}, err
}

type fakeSubscriptions struct {
	subscriptiondomain.Service
	active map[string]subscriptiondomain.Subscription
}

func (f *fakeSubscriptions) GetActive(_ context.Context, userID string) (subscriptiondomain.Subscription, error) {
	sub, ok := f.active[userID]
	if !ok {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

type testServer struct {
	srv        *Server
	db         *gorm.DB
	repo       paymentdomain.Repository
	checkout   *fakeCheckout
	webhook    *fakeWebhook
	reconciler *completingReconciler
	subs       *fakeSubscriptions
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := dbtest.Open(t)
	repo := repository.Provide()
	ts := &testServer{
		db:         db,
		repo:       repo,
		checkout:   &fakeCheckout{},
		webhook:    &fakeWebhook{},
		reconciler: &completingReconciler{db: db, repo: repo},
		subs:       &fakeSubscriptions{active: map[string]subscriptiondomain.Subscription{}},
	}
	ts.srv = &Server{
		engine:          NewEngine(config.Config{}),
		db:              db,
		clock:           clock.NewFakeClock(now),
		checkoutSvc:     ts.checkout,
		webhookSvc:      ts.webhook,
		reconciler:      ts.reconciler,
		paymentRepo:     repo,
		subscriptionSvc: ts.subs,
	}
	ts.srv.RegisterRoutes()
	return ts
}

func (ts *testServer) do(method, path, user string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	ts.srv.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func insertOrder(t *testing.T, ts *testServer, id int64, ext, user string) {
	t.Helper()
	require.NoError(t, ts.repo.InsertOrder(context.Background(), ts.db, &paymentdomain.Order{
		ID:              snowflake.ID(id),
		ExternalOrderID: ext,
		Provider:        paymentdomain.ProviderPayU,
		UserID:          user,
		PlanID:          "professional",
		BillingCycle:    paymentdomain.BillingMonthly,
		Amount:          79900,
		Currency:        "PLN",
		Status:          paymentdomain.StatusPending,
		CustomerEmail:   "anna@example.com",
		RedirectURL:     "https://secure.snd.payu.com/pay/1",
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestCheckoutRequiresUser(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/payments/checkout", "", `{"plan_id":"professional"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestCheckoutDefaultsProviderAndRecurring(t *testing.T) {
	ts := newTestServer(t)
	ts.checkout.result = checkout.CheckoutResult{
		OrderID:         snowflake.ID(77),
		ExternalOrderID: "professional-user-42-1",
		RedirectURL:     "https://secure.snd.payu.com/pay/77",
		Outcome:         paymentdomain.OutcomeRedirect,
	}

	rec := ts.do(http.MethodPost, "/payments/checkout", "user-42",
		`{"plan_id":"professional","billing_cycle":"monthly","amount":79900,"email":"anna@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "77", resp.OrderID)
	assert.Equal(t, "https://secure.snd.payu.com/pay/77", resp.RedirectURL)
	assert.Equal(t, "redirect", resp.Outcome)

	assert.Equal(t, "user-42", ts.checkout.got.UserID)
	assert.Equal(t, paymentdomain.ProviderPayU, ts.checkout.got.Provider)
	assert.True(t, ts.checkout.got.Recurring)
	assert.Equal(t, int64(79900), ts.checkout.got.Amount)
}

func TestCheckoutRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/payments/checkout", "user-42", `{"plan_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_request", payload.Errors[0].Code)
}

func TestCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"unknown plan", paymentdomain.ErrUnknownPlan, http.StatusBadRequest, "validation_error"},
		{"active subscription", paymentdomain.ErrActiveSubscriptionExists, http.StatusConflict, "active_subscription_exists"},
		{"transient gateway", &paymentdomain.GatewayError{Kind: paymentdomain.ErrTransientGateway}, http.StatusServiceUnavailable, "gateway_unavailable"},
		{"gateway auth", &paymentdomain.GatewayError{Kind: paymentdomain.ErrAuthentication}, http.StatusBadGateway, "gateway_error"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.checkout.err = tc.err
			rec := ts.do(http.MethodPost, "/payments/checkout", "user-42", `{"plan_id":"professional"}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, decodeError(t, rec).Type)
		})
	}
}

func TestCheckoutRateLimitedSetsRetryAfter(t *testing.T) {
	ts := newTestServer(t)
	ts.checkout.err = &checkout.RateLimitedError{RetryAfter: 1500 * time.Millisecond}

	rec := ts.do(http.MethodPost, "/payments/checkout", "user-42", `{"plan_id":"professional"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)
}

func TestWebhookPassesBodyThrough(t *testing.T) {
	ts := newTestServer(t)
	ts.webhook.outcome = reconcile.Outcome{Kind: reconcile.OutcomeApplied}

	rec := ts.do(http.MethodPost, "/webhooks/payu", "", `{"order":{"orderId":"PAYU-1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payu", ts.webhook.provider)
	assert.JSONEq(t, `{"order":{"orderId":"PAYU-1"}}`, string(ts.webhook.payload))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "applied", body["outcome"])
}

func TestWebhookSignatureRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.webhook.err = fmt.Errorf("verify: %w", signature.ErrInvalidSignature)

	rec := ts.do(http.MethodPost, "/webhooks/stripe", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rec).Type)
	assert.Equal(t, "stripe", ts.webhook.provider)
}

func TestPaymentPageServesHTML(t *testing.T) {
	ts := newTestServer(t)
	ts.checkout.page = checkout.PageResult{HTML: []byte("<html>pay</html>")}

	rec := ts.do(http.MethodGet, "/payments/payu/page/HTML-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>pay</html>", rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestPaymentPageRedirectsAndExpires(t *testing.T) {
	ts := newTestServer(t)
	ts.checkout.page = checkout.PageResult{RedirectURL: "https://secure.snd.payu.com/pay/9"}
	rec := ts.do(http.MethodGet, "/payments/payu/page/HTML-1", "", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://secure.snd.payu.com/pay/9", rec.Header().Get("Location"))

	ts.checkout.pageErr = paymentdomain.ErrPageExpired
	rec = ts.do(http.MethodGet, "/payments/payu/page/HTML-1", "", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestGetOrderOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	insertOrder(t, ts, 10, "professional-user-42-1", "user-42")

	rec := ts.do(http.MethodGet, "/payments/orders/professional-user-42-1", "user-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, "10", resp.OrderID)
	assert.Equal(t, 0, ts.reconciler.calls)

	rec = ts.do(http.MethodGet, "/payments/orders/professional-user-42-1", "someone-else", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/payments/orders/missing", "user-42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOrdersNewestFirst(t *testing.T) {
	ts := newTestServer(t)
	insertOrder(t, ts, 20, "professional-user-42-old", "user-42")
	insertOrder(t, ts, 21, "professional-user-42-new", "user-42")
	insertOrder(t, ts, 22, "professional-user-7-1", "user-7")
	require.NoError(t, ts.db.Exec(`UPDATE payment_orders SET created_at = ? WHERE id = ?`, now.Add(-48*time.Hour), 20).Error)

	rec := ts.do(http.MethodGet, "/payments/orders", "user-42", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Orders []orderResponse `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Orders, 2)
	assert.Equal(t, "professional-user-42-new", body.Orders[0].ExtOrderID)
	assert.Equal(t, "professional-user-42-old", body.Orders[1].ExtOrderID)

	rec = ts.do(http.MethodGet, "/payments/orders?limit=1", "user-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Orders, 1)

	rec = ts.do(http.MethodGet, "/payments/orders", "user-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders":[]}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/payments/orders?limit=abc", "user-42", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "limit", decodeError(t, rec).Errors[0].Field)

	rec = ts.do(http.MethodGet, "/payments/orders", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBillingPortal(t *testing.T) {
	ts := newTestServer(t)
	ts.checkout.portalURL = "https://billing.stripe.com/p/session/bps_1"

	rec := ts.do(http.MethodPost, "/subscriptions/portal", "user-42", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"url":"https://billing.stripe.com/p/session/bps_1"}`, rec.Body.String())
	assert.Equal(t, "user-42", ts.checkout.portalUser)

	ts.checkout.portalErr = paymentdomain.ErrPortalUnavailable
	rec = ts.do(http.MethodPost, "/subscriptions/portal", "user-42", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "portal_unavailable", decodeError(t, rec).Type)

	ts.checkout.portalErr = subscriptiondomain.ErrSubscriptionNotFound
	rec = ts.do(http.MethodPost, "/subscriptions/portal", "user-42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrderRefreshReconcilesPending(t *testing.T) {
	ts := newTestServer(t)
	insertOrder(t, ts, 11, "professional-user-42-2", "user-42")

	rec := ts.do(http.MethodGet, "/payments/orders/professional-user-42-2?refresh=true", "user-42", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.Equal(t, 1, ts.reconciler.calls)

	// terminal orders are not sent back to the provider
	rec = ts.do(http.MethodGet, "/payments/orders/professional-user-42-2?refresh=true", "user-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.reconciler.calls)
}

func TestCurrentSubscription(t *testing.T) {
	ts := newTestServer(t)
	trialStart := now.Add(-24 * time.Hour)
	trialEnd := now.Add(13 * 24 * time.Hour)
	ts.subs.active["user-42"] = subscriptiondomain.Subscription{
		UserID:       "user-42",
		PlanID:       "professional",
		BillingCycle: paymentdomain.BillingMonthly,
		Status:       subscriptiondomain.StatusActive,
		TrialStart:   &trialStart,
		TrialEnd:     &trialEnd,
	}

	rec := ts.do(http.MethodGet, "/subscriptions/current", "user-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Subscription subscriptiondomain.Subscription `json:"subscription"`
		InTrial      bool                            `json:"in_trial"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.InTrial)
	assert.Equal(t, "professional", body.Subscription.PlanID)

	rec = ts.do(http.MethodGet, "/subscriptions/current", "user-7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMapErrorGatewayValidationFields(t *testing.T) {
	status, payload := mapError(&paymentdomain.GatewayError{
		Kind:   paymentdomain.ErrValidation,
		Code:   "ERROR_VALUE_INVALID",
		Fields: []string{"buyer.email"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "buyer.email", payload.Errors[0].Field)
	assert.Equal(t, "error_value_invalid", payload.Errors[0].Code)
}

func TestMapErrorValidationSentinelFields(t *testing.T) {
	cases := map[error]string{
		paymentdomain.ErrInvalidBillingCycle: "billing_cycle",
		paymentdomain.ErrInvalidAmount:       "amount",
		paymentdomain.ErrProviderNotFound:    "provider",
		paymentdomain.ErrInvalidPayload:      "request",
	}
	for err, field := range cases {
		status, payload := mapError(fmt.Errorf("checkout: %w", err))
		assert.Equal(t, http.StatusBadRequest, status, err.Error())
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, field, payload.Errors[0].Field)
		assert.Equal(t, err.Error(), payload.Errors[0].Code)
	}
}
