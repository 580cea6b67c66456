package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	obslogger "github.com/smallbiznis/paysync/internal/observability/logger"
	obstracing "github.com/smallbiznis/paysync/internal/observability/tracing"
	"github.com/smallbiznis/paysync/internal/payment/checkout"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/reconcile"
	"github.com/smallbiznis/paysync/internal/payment/webhook"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

// CheckoutService starts checkouts, renders hosted payment pages and opens
// the provider billing portal.
type CheckoutService interface {
	Start(ctx context.Context, req checkout.CheckoutRequest) (checkout.CheckoutResult, error)
	RenderPage(ctx context.Context, token string) (checkout.PageResult, error)
	OpenBillingPortal(ctx context.Context, userID string) (string, error)
}

type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (reconcile.Outcome, error)
}

type OrderReconciler interface {
	Reconcile(ctx context.Context, order paymentdomain.Order) (reconcile.Outcome, error)
}

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	db              *gorm.DB
	clock           clock.Clock
	checkoutSvc     CheckoutService
	webhookSvc      WebhookService
	reconciler      OrderReconciler
	paymentRepo     paymentdomain.Repository
	subscriptionSvc subscriptiondomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	DB              *gorm.DB
	Clock           clock.Clock
	CheckoutSvc     *checkout.Service
	WebhookSvc      *webhook.Service
	Engine          *reconcile.Engine
	PaymentRepo     paymentdomain.Repository
	SubscriptionSvc subscriptiondomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		db:              p.DB,
		clock:           p.Clock,
		checkoutSvc:     p.CheckoutSvc,
		webhookSvc:      p.WebhookSvc,
		reconciler:      p.Engine,
		paymentRepo:     p.PaymentRepo,
		subscriptionSvc: p.SubscriptionSvc,
	}
	svc.RegisterRoutes()
	return svc
}

func (s *Server) RegisterRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/payu", s.HandlePaymentWebhook(paymentdomain.ProviderPayU))
	webhooks.POST("/stripe", s.HandlePaymentWebhook(paymentdomain.ProviderStripe))

	// the browser lands here from the checkout redirect, without an identity header
	s.engine.GET("/payments/:provider/page/:token", s.HandlePaymentPage)

	authed := s.engine.Group("/", UserRequired())
	authed.POST("/payments/checkout", s.HandleCheckout)
	authed.GET("/payments/orders", s.HandleListOrders)
	authed.GET("/payments/orders/:ext_order_id", s.HandleGetOrder)
	authed.GET("/subscriptions/current", s.HandleCurrentSubscription)
	authed.POST("/subscriptions/portal", s.HandleBillingPortal)
}
