package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	Currency = "PLN"

	pageTTL          = 30 * time.Minute
	rateLimitScope   = "checkout"
	defaultAttempts  = 3
	defaultMaxElapse = 45 * time.Second
)

// GatewayResolver returns the gateway serving a provider.
type GatewayResolver interface {
	Gateway(provider domain.Provider) (domain.Gateway, error)
}

type CheckoutRequest struct {
	UserID        string              `validate:"required"`
	PlanID        string              `validate:"required"`
	BillingCycle  domain.BillingCycle `validate:"required,oneof=monthly yearly"`
	Amount        int64               `validate:"gt=0"`
	Provider      domain.Provider     `validate:"required"`
	CustomerEmail string              `validate:"required,email"`
	CustomerName  string
	CustomerIP    string `validate:"omitempty,ip"`
	Recurring     bool
}

type CheckoutResult struct {
	OrderID         snowflake.ID
	ExternalOrderID string
	RedirectURL     string
	Outcome         domain.OutcomeKind
}

// RateLimitedError is returned when the per-user checkout budget is spent.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", domain.ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimited }

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Cfg           config.Config
	Clock         clock.Clock
	GenID         *snowflake.Node
	Repo          domain.Repository
	Gateways      GatewayResolver
	Subscriptions subscriptiondomain.Service
	Plans         *config.PlanCatalogHolder
	Limiter       *ratelimit.CheckoutLimiter `optional:"true"`
	Metrics       *metrics.Metrics           `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	repo          domain.Repository
	gateways      GatewayResolver
	subscriptions subscriptiondomain.Service
	plans         *config.PlanCatalogHolder
	limiter       *ratelimit.CheckoutLimiter
	metrics       *metrics.Metrics
	validate      *validator.Validate

	attempts   uint
	maxElapse  time.Duration
	newBackOff func() backoff.BackOff
}

func NewService(p Params) *Service {
	attempts := p.Cfg.Checkout.RetryAttempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	maxElapse := p.Cfg.Checkout.RetryMaxElapse
	if maxElapse <= 0 {
		maxElapse = defaultMaxElapse
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.checkout"),
		clock:         p.Clock,
		genID:         p.GenID,
		repo:          p.Repo,
		gateways:      p.Gateways,
		subscriptions: p.Subscriptions,
		plans:         p.Plans,
		limiter:       p.Limiter,
		metrics:       p.Metrics,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		attempts:      attempts,
		maxElapse:     maxElapse,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Start creates a provider order for the plan and records it as PENDING.
func (s *Service) Start(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	req = normalizeRequest(req)
	plan, err := s.validateRequest(req)
	if err != nil {
		return CheckoutResult{}, err
	}

	gateway, err := s.gateways.Gateway(req.Provider)
	if err != nil {
		return CheckoutResult{}, err
	}

	if err := s.allow(ctx, req.UserID); err != nil {
		return CheckoutResult{}, err
	}

	if _, err := s.subscriptions.GetActive(ctx, req.UserID); err == nil {
		return CheckoutResult{}, domain.ErrActiveSubscriptionExists
	} else if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return CheckoutResult{}, err
	}

	now := s.clock.Now()
	extOrderID := ExternalOrderID(plan.ID, req.UserID, now)
	description := Description(plan, req.BillingCycle)
	orderReq := domain.OrderRequest{
		ExternalOrderID: extOrderID,
		Description:     description,
		Currency:        Currency,
		TotalAmount:     req.Amount,
		CustomerIP:      req.CustomerIP,
		Buyer: domain.Buyer{
			Email:     req.CustomerEmail,
			FirstName: req.CustomerName,
			Language:  "pl",
		},
		Products: []domain.Product{
			{Name: description, UnitPrice: req.Amount, Quantity: 1},
		},
		UserID:       req.UserID,
		PlanID:       plan.ID,
		BillingCycle: req.BillingCycle,
		Recurring:    req.Recurring,
	}

	result, err := s.createOrder(ctx, gateway, orderReq)
	if err != nil {
		s.metrics.RecordGatewayError(ctx, string(req.Provider), "create_order", domain.KindLabel(err))
		s.metrics.RecordCheckoutStarted(ctx, string(req.Provider), "error")
		s.log.Warn("checkout failed",
			zap.String("provider", string(req.Provider)),
			zap.String("ext_order_id", extOrderID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return CheckoutResult{}, err
	}

	order := domain.Order{
		ID:              s.genID.Generate(),
		ExternalOrderID: extOrderID,
		Provider:        req.Provider,
		UserID:          req.UserID,
		PlanID:          plan.ID,
		BillingCycle:    req.BillingCycle,
		Amount:          req.Amount,
		Currency:        Currency,
		Status:          domain.StatusPending,
		Recurring:       req.Recurring,
		CustomerEmail:   req.CustomerEmail,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if result.ProviderOrderID != "" {
		providerOrderID := result.ProviderOrderID
		order.ProviderOrderID = &providerOrderID
	}

	var page *domain.PaymentPage
	switch result.Kind {
	case domain.OutcomeHTMLPage:
		page = &domain.PaymentPage{
			Token:       domain.PaymentPageTokenPrefix + s.genID.Generate().String(),
			OrderID:     order.ID,
			Provider:    req.Provider,
			RequestBody: result.RequestBody,
			CreatedAt:   now,
			ExpiresAt:   now.Add(pageTTL),
		}
		order.RedirectURL = PagePath(req.Provider, page.Token)
	default:
		order.RedirectURL = result.RedirectTarget
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertOrder(ctx, tx, &order); err != nil {
			return err
		}
		if page != nil {
			return s.repo.InsertPage(ctx, tx, page)
		}
		return nil
	})
	if err != nil {
		s.log.Error("failed to persist order",
			zap.String("ext_order_id", extOrderID),
			zap.String("provider_order_id", result.ProviderOrderID),
			zap.Error(err),
		)
		return CheckoutResult{}, err
	}

	s.metrics.RecordCheckoutStarted(ctx, string(req.Provider), string(result.Kind))
	s.log.Info("checkout started",
		zap.String("order_id", order.ID.String()),
		zap.String("ext_order_id", extOrderID),
		zap.String("provider", string(req.Provider)),
		zap.String("outcome", string(result.Kind)),
	)

	return CheckoutResult{
		OrderID:         order.ID,
		ExternalOrderID: extOrderID,
		RedirectURL:     order.RedirectURL,
		Outcome:         result.Kind,
	}, nil
}

func (s *Service) createOrder(ctx context.Context, gateway domain.Gateway, req domain.OrderRequest) (domain.GatewayOrderResult, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (domain.GatewayOrderResult, error) {
		attempt++
		result, err := gateway.CreateOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		if !domain.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		s.log.Warn("transient gateway failure",
			zap.String("provider", string(gateway.Provider())),
			zap.String("ext_order_id", req.ExternalOrderID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return result, err
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.attempts),
		backoff.WithMaxElapsedTime(s.maxElapse),
	)
}

func (s *Service) allow(ctx context.Context, userID string) error {
	if !s.limiter.Enabled() {
		return nil
	}
	res, err := s.limiter.AllowUser(ctx, userID)
	if err != nil {
		s.log.Warn("checkout rate limiter unavailable", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		s.metrics.RecordRateLimitDenied(ctx, rateLimitScope)
		return &RateLimitedError{RetryAfter: res.RetryAfter}
	}
	return nil
}

// ExternalOrderID builds the merchant order id: plan, user, unix millis and a
// short random suffix.
func ExternalOrderID(planID, userID string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%d-%s", planID, userID, at.UnixMilli(), suffix)
}

func Description(plan config.Plan, cycle domain.BillingCycle) string {
	name := plan.DisplayName
	if name == "" {
		name = "Plan"
	}
	cycleName := "miesięczny"
	if cycle == domain.BillingYearly {
		cycleName = "roczny"
	}
	return fmt.Sprintf("%s - abonament %s", name, cycleName)
}

// PagePath is the local intermediary that renders a provider HTML page.
func PagePath(provider domain.Provider, token string) string {
	return "/payments/" + string(provider) + "/page/" + token
}
