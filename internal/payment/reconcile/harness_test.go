package reconcile

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/events"
	"github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/payment/adapters"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/repository"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/paysync/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/paysync/internal/subscription/service"
	"github.com/smallbiznis/paysync/internal/testutil/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeGateway struct {
	provider domain.Provider

	mu       sync.Mutex
	statuses map[string]domain.ProviderStatus
	err      error
}

func newFakeGateway(provider domain.Provider) *fakeGateway {
	return &fakeGateway{provider: provider, statuses: map[string]domain.ProviderStatus{}}
}

func (g *fakeGateway) report(providerOrderID string, status domain.ProviderStatus) {
	g.mu.Lock()
	g.statuses[providerOrderID] = status
	g.mu.Unlock()
}

func (g *fakeGateway) Provider() domain.Provider { return g.provider }
func (g *fakeGateway) Sandbox() bool { return true }
func (g *fakeGateway) Authenticate(context.Context) (domain.AccessToken, error) {
	return domain.AccessToken{Value: "token"}, nil
}
func (g *fakeGateway) CreateOrder(context.Context, domain.OrderRequest) (domain.GatewayOrderResult, error) {
	return domain.GatewayOrderResult{}, nil
}
func (g *fakeGateway) GetOrderStatus(_ context.Context, providerOrderID string) (domain.ProviderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return domain.ProviderStatus{}, g.err
	}
	status, ok := g.statuses[providerOrderID]
	if !ok {
		return domain.ProviderStatus{}, &domain.GatewayError{Kind: domain.ErrValidation, Provider: g.provider, Op: "get_order_status", Code: "order_not_found"}
	}
	return status, nil
}
func (g *fakeGateway) Verify(context.Context, []byte, http.Header) error { return nil }
func (g *fakeGateway) ParseNotification(context.Context, []byte) (domain.Notification, error) {
	return domain.Notification{}, domain.ErrEventIgnored
}

type harness struct {
	db            *gorm.DB
	repo          domain.Repository
	clock         *clock.FakeClock
	events        *events.Recorder
	payu          *fakeGateway
	stripe        *fakeGateway
	subscriptions subscriptiondomain.Service
	engine        *Engine
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithRepo(t, repository.Provide())
}

func newHarnessWithRepo(t *testing.T, repo domain.Repository) *harness {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)
	log := zap.NewNop()

	subscriptions := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  subscriptionrepo.Provide(),
	})
	h := &harness{
		db:            db,
		repo:          repo,
		clock:         clk,
		events:        events.NewRecorder(),
		payu:          newFakeGateway(domain.ProviderPayU),
		stripe:        newFakeGateway(domain.ProviderStripe),
		subscriptions: subscriptions,
	}
	h.engine = NewEngine(Params{
		DB:            db,
		Log:           log,
		Clock:         clk,
		GenID:         node,
		Repo:          repo,
		Gateways:      adapters.NewRegistry(h.payu, h.stripe),
		Subscriptions: subscriptions,
		Publisher:     h.events,
		Metrics:       metrics.NewNoop(),
	})
	return h
}

func (h *harness) insertOrder(t *testing.T, id int64, ext, providerOrderID string, provider domain.Provider) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:              snowflake.ID(id),
		ExternalOrderID: ext,
		Provider:        provider,
		UserID:          "user-42",
		PlanID:          "professional",
		BillingCycle:    domain.BillingMonthly,
		Amount:          79900,
		Currency:        "PLN",
		Status:          domain.StatusPending,
		Recurring:       true,
		CustomerEmail:   "anna@example.com",
		CreatedAt:       h.clock.Now().Add(-time.Hour),
		UpdatedAt:       h.clock.Now().Add(-time.Hour),
	}
	if providerOrderID != "" {
		order.ProviderOrderID = &providerOrderID
	}
	require.NoError(t, h.repo.InsertOrder(context.Background(), h.db, &order))
	return order
}

func (h *harness) order(t *testing.T, id int64) domain.Order {
	t.Helper()
	order, err := h.repo.FindByID(context.Background(), h.db, snowflake.ID(id))
	require.NoError(t, err)
	return *order
}

func (h *harness) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Raw(query, args...).Scan(&n).Error)
	return n
}

func payuNotification(ext, providerOrderID string, status domain.OrderStatus) domain.Notification {
	return domain.Notification{
		Provider:        domain.ProviderPayU,
		Kind:            domain.NotificationOrderStatus,
		EventID:         providerOrderID + ":" + string(status),
		EventType:       "order." + string(status),
		ExternalOrderID: ext,
		ProviderOrderID: providerOrderID,
		RawStatus:       string(status),
		Status:          status,
		Amount:          79900,
		Currency:        "PLN",
		Payload:         []byte(`{"order":{"status":"` + string(status) + `"}}`),
	}
}
