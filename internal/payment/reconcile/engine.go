package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/events"
	"github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OutcomeKind string

const (
	OutcomeApplied       OutcomeKind = "applied"
	OutcomeIgnored       OutcomeKind = "ignored"
	OutcomeOrphan        OutcomeKind = "orphan"
	OutcomeSubscription  OutcomeKind = "subscription"
	OutcomeInformational OutcomeKind = "informational"
)

type Outcome struct {
	Kind    OutcomeKind
	Reason  string
	OrderID snowflake.ID
	Status  domain.OrderStatus
}

// GatewayResolver returns the gateway serving a provider.
type GatewayResolver interface {
	Gateway(provider domain.Provider) (domain.Gateway, error)
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	GenID         *snowflake.Node
	Repo          domain.Repository
	Gateways      GatewayResolver
	Subscriptions subscriptiondomain.Service
	Publisher     events.Publisher
	Metrics       *metrics.Metrics `optional:"true"`
}

// Engine applies provider-reported statuses to local orders and routes
// subscription notifications to the lifecycle manager.
type Engine struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	repo          domain.Repository
	gateways      GatewayResolver
	subscriptions subscriptiondomain.Service
	publisher     events.Publisher
	metrics       *metrics.Metrics
}

func NewEngine(p Params) *Engine {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoop()
	}
	return &Engine{
		db:            p.DB,
		log:           p.Log.Named("payment.reconcile"),
		clock:         p.Clock,
		genID:         p.GenID,
		repo:          p.Repo,
		gateways:      p.Gateways,
		subscriptions: p.Subscriptions,
		publisher:     publisher,
		metrics:       p.Metrics,
	}
}

// HandleNotification dispatches a verified notification by kind.
func (e *Engine) HandleNotification(ctx context.Context, n domain.Notification) (Outcome, error) {
	switch n.Kind {
	case domain.NotificationOrderStatus:
		return e.HandleOrderNotification(ctx, n)
	case domain.NotificationSubscriptionStatus, domain.NotificationInvoicePaid, domain.NotificationInvoiceFailed:
		return e.handleSubscriptionNotification(ctx, n)
	case domain.NotificationInformational:
		e.log.Info("informational notification acknowledged",
			zap.String("provider", string(n.Provider)),
			zap.String("event_type", n.EventType),
			zap.String("event_id", n.EventID),
		)
		return Outcome{Kind: OutcomeInformational}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: kind %q", domain.ErrInvalidPayload, n.Kind)
	}
}

// HandleOrderNotification locates the order a notification refers to and
// applies the reported status. Notifications that match no order, or match
// two different orders, are recorded as orphans and never mutate state.
func (e *Engine) HandleOrderNotification(ctx context.Context, n domain.Notification) (Outcome, error) {
	log := e.log.With(
		zap.String("provider", string(n.Provider)),
		zap.String("event_type", n.EventType),
		zap.String("ext_order_id", n.ExternalOrderID),
		zap.String("provider_order_id", n.ProviderOrderID),
	)

	if !n.Status.Valid() {
		log.Warn("unmapped provider status", zap.String("raw_status", n.RawStatus))
		return e.orphan(ctx, n, domain.OrphanReasonUnmappedStatus)
	}

	order, err := e.locate(ctx, n.Provider, n.ExternalOrderID, n.ProviderOrderID)
	switch {
	case errors.Is(err, domain.ErrAmbiguousOrder):
		log.Error("notification matches two different orders", zap.Error(err))
		outcome, orphanErr := e.orphan(ctx, n, domain.OrphanReasonAmbiguous)
		if orphanErr != nil {
			return outcome, orphanErr
		}
		return outcome, err
	case errors.Is(err, domain.ErrOrderNotFound):
		log.Warn("notification for unknown order")
		return e.orphan(ctx, n, domain.OrphanReasonNotFound)
	case err != nil:
		return Outcome{}, err
	}

	return e.applyReported(ctx, order, report{
		status:          n.Status,
		providerOrderID: n.ProviderOrderID,
		payload:         n.Payload,
		activation: subscriptiondomain.ActivationDetails{
			ProviderSubscriptionID: n.ProviderSubscriptionID,
			ProviderCustomerID:     n.ProviderCustomerID,
			PeriodStart:            n.PeriodStart,
			PeriodEnd:              n.PeriodEnd,
		},
	})
}

// Reconcile polls the gateway for the order's status and feeds the answer
// through the same path as a webhook.
func (e *Engine) Reconcile(ctx context.Context, order domain.Order) (Outcome, error) {
	providerOrderID := order.ProviderOrderIDValue()
	if providerOrderID == "" {
		return Outcome{Kind: OutcomeIgnored, Reason: "no_provider_order", OrderID: order.ID, Status: order.Status}, nil
	}
	gateway, err := e.gateways.Gateway(order.Provider)
	if err != nil {
		return Outcome{}, err
	}

	status, err := gateway.GetOrderStatus(ctx, providerOrderID)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordGatewayError(ctx, string(order.Provider), "get_order_status", domain.KindLabel(err))
		}
		return Outcome{}, err
	}
	if !status.Status.Valid() {
		e.log.Warn("poll returned unmapped status",
			zap.String("ext_order_id", order.ExternalOrderID),
			zap.String("raw_status", status.RawStatus),
		)
		return Outcome{Kind: OutcomeIgnored, Reason: ReasonUnmapped, OrderID: order.ID, Status: order.Status}, nil
	}

	return e.applyReported(ctx, &order, report{
		status:          status.Status,
		providerOrderID: status.ProviderOrderID,
		payload:         status.Payload,
	})
}

type report struct {
	status          domain.OrderStatus
	providerOrderID string
	payload         []byte
	activation      subscriptiondomain.ActivationDetails
}

// applyReported runs Transition and the compare-and-set update. A lost race
// re-reads the order and decides once more against the fresh state.
func (e *Engine) applyReported(ctx context.Context, order *domain.Order, r report) (Outcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		decision := Transition(order.Status, r.status)
		if !decision.Apply {
			e.recordTransition(ctx, order, r.status, decision.Reason)
			if order.Status == domain.StatusCompleted && r.status == domain.StatusCompleted {
				// a redelivered completion repairs a missing activation
				if err := e.activate(ctx, *order, r.activation); err != nil {
					return Outcome{}, err
				}
			}
			return Outcome{Kind: OutcomeIgnored, Reason: decision.Reason, OrderID: order.ID, Status: order.Status}, nil
		}

		now := e.clock.Now()
		res, err := e.repo.UpdateStatus(ctx, e.db, order.ID, order.Status, r.status, domain.StatusUpdate{
			ProviderOrderID: r.providerOrderID,
			RawPayload:      r.payload,
			At:              now,
		})
		if err != nil {
			return Outcome{}, err
		}
		if res.Stale {
			fresh, err := e.repo.FindByID(ctx, e.db, order.ID)
			if err != nil {
				return Outcome{}, err
			}
			order = fresh
			continue
		}

		previous := order.Status
		order.Status = r.status
		order.UpdatedAt = now
		if order.ProviderOrderID == nil && strings.TrimSpace(r.providerOrderID) != "" {
			id := strings.TrimSpace(r.providerOrderID)
			order.ProviderOrderID = &id
		}
		if r.status == domain.StatusCompleted {
			order.CompletedAt = &now
		}

		e.recordTransition(ctx, order, r.status, ReasonApplied)
		e.log.Info("order status changed",
			zap.String("ext_order_id", order.ExternalOrderID),
			zap.String("from", string(previous)),
			zap.String("to", string(r.status)),
		)
		e.publish(ctx, orderEvent(*order, now))

		if r.status == domain.StatusCompleted {
			if err := e.activate(ctx, *order, r.activation); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Kind: OutcomeApplied, Reason: ReasonApplied, OrderID: order.ID, Status: order.Status}, nil
	}

	e.recordTransition(ctx, order, r.status, ReasonStale)
	return Outcome{Kind: OutcomeIgnored, Reason: ReasonStale, OrderID: order.ID, Status: order.Status}, nil
}

func (e *Engine) activate(ctx context.Context, order domain.Order, details subscriptiondomain.ActivationDetails) error {
	result, err := e.subscriptions.ActivateFromOrder(ctx, order, details)
	if err != nil {
		return fmt.Errorf("activate subscription for %s: %w", order.ExternalOrderID, err)
	}
	if result == subscriptiondomain.ActivationCreated {
		e.publish(ctx, events.Event{
			Type:       events.TypeSubscriptionActivated,
			OccurredAt: e.clock.Now(),
			Data: map[string]any{
				"user_id":      order.UserID,
				"plan_id":      order.PlanID,
				"order_id":     order.ID.String(),
				"ext_order_id": order.ExternalOrderID,
			},
		})
	}
	return nil
}

// locate looks the order up by external id, then by provider id.
func (e *Engine) locate(ctx context.Context, provider domain.Provider, extOrderID, providerOrderID string) (*domain.Order, error) {
	byExt, err := e.repo.FindByExternalID(ctx, e.db, extOrderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}
	if byExt != nil && byExt.Provider != provider {
		byExt = nil
	}

	byProvider, err := e.repo.FindByProviderID(ctx, e.db, provider, providerOrderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}

	switch {
	case byExt != nil && byProvider != nil && byExt.ID != byProvider.ID:
		return nil, fmt.Errorf("%w: ext %s is %s, provider %s is %s",
			domain.ErrAmbiguousOrder, extOrderID, byExt.ID, providerOrderID, byProvider.ID)
	case byExt != nil:
		return byExt, nil
	case byProvider != nil:
		return byProvider, nil
	default:
		return nil, domain.ErrOrderNotFound
	}
}

func (e *Engine) orphan(ctx context.Context, n domain.Notification, reason string) (Outcome, error) {
	err := e.repo.InsertOrphan(ctx, e.db, &domain.OrphanWebhook{
		ID:              e.genID.Generate(),
		Provider:        n.Provider,
		EventType:       n.EventType,
		ExternalOrderID: n.ExternalOrderID,
		ProviderOrderID: n.ProviderOrderID,
		ReportedStatus:  n.RawStatus,
		Reason:          reason,
		Payload:         n.Payload,
		ReceivedAt:      e.clock.Now(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if e.metrics != nil {
		e.metrics.RecordOrphanWebhook(ctx, string(n.Provider), reason)
	}
	return Outcome{Kind: OutcomeOrphan, Reason: reason}, nil
}

func (e *Engine) handleSubscriptionNotification(ctx context.Context, n domain.Notification) (Outcome, error) {
	lookup := subscriptiondomain.Lookup{
		Provider:               n.Provider,
		ProviderSubscriptionID: n.ProviderSubscriptionID,
		UserID:                 n.UserID,
	}

	var (
		sub       subscriptiondomain.Subscription
		err       error
		eventType string
	)
	switch n.Kind {
	case domain.NotificationSubscriptionStatus:
		eventType = events.TypeSubscriptionUpdated
		sub, err = e.subscriptions.SyncProviderStatus(ctx, subscriptiondomain.ProviderStatusUpdate{
			Lookup:             lookup,
			ProviderCustomerID: n.ProviderCustomerID,
			RawStatus:          n.SubscriptionStatus,
			PeriodStart:        n.PeriodStart,
			PeriodEnd:          n.PeriodEnd,
			CancelAtPeriodEnd:  n.CancelAtPeriodEnd,
			At:                 e.clock.Now(),
		})
	case domain.NotificationInvoicePaid:
		eventType = events.TypeSubscriptionRenewed
		sub, err = e.subscriptions.RecordRenewal(ctx, subscriptiondomain.RenewalRequest{
			Lookup:    lookup,
			InvoiceID: n.InvoiceID,
			PaidAt:    n.OccurredAt,
			Amount:    n.Amount,
		})
	case domain.NotificationInvoiceFailed:
		eventType = events.TypeSubscriptionUpdated
		sub, err = e.subscriptions.RecordPaymentFailure(ctx, subscriptiondomain.PaymentFailureRequest{
			Lookup:    lookup,
			InvoiceID: n.InvoiceID,
			FailedAt:  n.OccurredAt,
		})
	}

	if e.metrics != nil {
		e.metrics.RecordSubscriptionEvent(ctx, string(n.Provider), n.EventType)
	}

	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound), errors.Is(err, subscriptiondomain.ErrMissingLookup):
		// the checkout completion that creates the row may still be in flight
		e.log.Warn("subscription notification for unknown subscription",
			zap.String("event_type", n.EventType),
			zap.String("provider_subscription_id", n.ProviderSubscriptionID),
		)
		return Outcome{Kind: OutcomeIgnored, Reason: "subscription_not_found"}, nil
	case errors.Is(err, subscriptiondomain.ErrUnmappedStatus):
		e.log.Warn("unmapped subscription status", zap.String("raw_status", n.SubscriptionStatus))
		return Outcome{Kind: OutcomeIgnored, Reason: ReasonUnmapped}, nil
	case err != nil:
		return Outcome{}, err
	}

	e.publish(ctx, events.Event{
		Type:       eventType,
		OccurredAt: e.clock.Now(),
		Data: map[string]any{
			"subscription_id":    sub.ID.String(),
			"user_id":            sub.UserID,
			"status":             string(sub.Status),
			"current_period_end": sub.CurrentPeriodEnd,
			"provider_event":     n.EventType,
		},
	})
	return Outcome{Kind: OutcomeSubscription, Reason: string(sub.Status)}, nil
}

func (e *Engine) recordTransition(ctx context.Context, order *domain.Order, reported domain.OrderStatus, reason string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordOrderTransition(ctx, string(order.Provider), string(reported), reason)
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log.Warn("event publish failed", zap.String("event_type", event.Type), zap.Error(err))
	}
}

func orderEvent(order domain.Order, at time.Time) events.Event {
	return events.Event{
		Type:       "order." + strings.ToLower(string(order.Status)),
		OccurredAt: at,
		Data: map[string]any{
			"order_id":          order.ID.String(),
			"ext_order_id":      order.ExternalOrderID,
			"provider_order_id": order.ProviderOrderIDValue(),
			"provider":          string(order.Provider),
			"user_id":           order.UserID,
			"plan_id":           order.PlanID,
			"amount":            order.Amount,
			"currency":          order.Currency,
		},
	}
}
