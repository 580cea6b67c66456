package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// ActivateFromOrder creates the subscription paid for by a completed order.
// It is safe to call more than once for the same order.
func (s *Service) ActivateFromOrder(ctx context.Context, order paymentdomain.Order, details subscriptiondomain.ActivationDetails) (subscriptiondomain.ActivationResult, error) {
	if order.ID == 0 || strings.TrimSpace(order.UserID) == "" {
		return "", subscriptiondomain.ErrInvalidOrder
	}
	if order.Status != paymentdomain.StatusCompleted {
		return "", fmt.Errorf("%w: order %s is %s", subscriptiondomain.ErrInvalidOrder, order.ExternalOrderID, order.Status)
	}

	log := s.log.With(
		zap.String("user_id", order.UserID),
		zap.String("ext_order_id", order.ExternalOrderID),
	)

	existing, err := s.repo.FindByLastPaymentOrder(ctx, s.db, order.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return subscriptiondomain.ActivationSkipped, nil
	}

	active, err := s.repo.FindActiveByUser(ctx, s.db, order.UserID)
	if err != nil {
		return "", err
	}
	if active != nil {
		log.Info("activation skipped, user already subscribed", zap.String("subscription_id", active.ID.String()))
		return subscriptiondomain.ActivationSkipped, nil
	}

	previous, err := s.repo.CountByUser(ctx, s.db, order.UserID)
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	start, end, err := subscriptiondomain.Periods(now, order.BillingCycle)
	if err != nil {
		return "", err
	}
	if details.PeriodStart != nil && details.PeriodEnd != nil {
		start, end = details.PeriodStart.UTC(), details.PeriodEnd.UTC()
	}

	orderID := order.ID
	sub := &subscriptiondomain.Subscription{
		ID:                     s.genID.Generate(),
		UserID:                 order.UserID,
		PlanID:                 order.PlanID,
		BillingCycle:           order.BillingCycle,
		Status:                 subscriptiondomain.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		LastPaymentOrderID:     &orderID,
		Provider:               order.Provider,
		ProviderSubscriptionID: optional(details.ProviderSubscriptionID),
		ProviderCustomerID:     optional(details.ProviderCustomerID),
		AmountGross:            order.Amount,
		Currency:               order.Currency,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if previous == 0 {
		trialStart := now
		trialEnd := now.AddDate(0, 0, subscriptiondomain.TrialDays)
		sub.TrialStart = &trialStart
		sub.TrialEnd = &trialEnd
	}

	if err := s.repo.Insert(ctx, s.db, sub); err != nil {
		if errors.Is(err, subscriptiondomain.ErrDuplicateKey) {
			log.Info("activation raced with a concurrent completion")
			return subscriptiondomain.ActivationRaced, nil
		}
		return "", err
	}

	log.Info("subscription activated",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", sub.PlanID),
		zap.Time("current_period_end", sub.CurrentPeriodEnd),
		zap.Bool("trial", sub.TrialStart != nil),
	)
	return subscriptiondomain.ActivationCreated, nil
}

// RecordRenewal extends the subscription by one cycle from the later of the
// current period end and the payment time.
func (s *Service) RecordRenewal(ctx context.Context, req subscriptiondomain.RenewalRequest) (subscriptiondomain.Subscription, error) {
	sub, err := s.resolve(ctx, req.Lookup, true)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	ref := strings.TrimSpace(req.InvoiceID)
	if ref != "" && sub.LastRenewalRef != nil && *sub.LastRenewalRef == ref {
		return *sub, nil
	}

	now := s.clock.Now()
	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	from := sub.CurrentPeriodEnd
	if paidAt.After(from) {
		from = paidAt
	}
	start, end, err := subscriptiondomain.Periods(from.UTC(), sub.BillingCycle)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	applied, err := s.repo.ApplyRenewal(ctx, s.db, sub.ID, subscriptiondomain.RenewalUpdate{
		PeriodStart: start,
		PeriodEnd:   end,
		RenewalRef:  ref,
		At:          now,
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if applied {
		s.log.Info("subscription renewed",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("renewal_ref", ref),
			zap.Time("current_period_end", end),
		)
	}
	return s.reload(ctx, sub.ID)
}

// RecordPaymentFailure counts a failed renewal. Repeated failures move the
// subscription to past_due; cancellation is left to the provider.
func (s *Service) RecordPaymentFailure(ctx context.Context, req subscriptiondomain.PaymentFailureRequest) (subscriptiondomain.Subscription, error) {
	sub, err := s.resolve(ctx, req.Lookup, true)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if err := s.repo.IncrementPaymentAttempts(ctx, s.db, sub.ID, subscriptiondomain.PastDueAfterAttempts, s.clock.Now()); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	updated, err := s.reload(ctx, sub.ID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	s.log.Warn("subscription payment failed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("invoice_id", req.InvoiceID),
		zap.Int("payment_attempts", updated.PaymentAttempts),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

func (s *Service) SyncProviderStatus(ctx context.Context, req subscriptiondomain.ProviderStatusUpdate) (subscriptiondomain.Subscription, error) {
	status, ok := subscriptiondomain.MapProviderStatus(req.RawStatus)
	if !ok {
		return subscriptiondomain.Subscription{}, fmt.Errorf("%w: %q", subscriptiondomain.ErrUnmappedStatus, req.RawStatus)
	}

	// A status event can arrive before the checkout completion that stores
	// its provider id; matching it to another row by user would hijack it.
	fallback := strings.TrimSpace(req.ProviderSubscriptionID) == ""
	sub, err := s.resolve(ctx, req.Lookup, fallback)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	err = s.repo.UpdateStatus(ctx, s.db, sub.ID, subscriptiondomain.StatusUpdate{
		Status:             status,
		PeriodStart:        utc(req.PeriodStart),
		PeriodEnd:          utc(req.PeriodEnd),
		CancelAtPeriodEnd:  req.CancelAtPeriodEnd,
		ProviderCustomerID: req.ProviderCustomerID,
		At:                 at,
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if sub.Status != status {
		s.log.Info("subscription status synced",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(status)),
			zap.String("provider_status", req.RawStatus),
		)
	}
	return s.reload(ctx, sub.ID)
}

func (s *Service) GetActive(ctx context.Context, userID string) (subscriptiondomain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrMissingLookup
	}
	item, err := s.repo.FindActiveByUser(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

// resolve prefers the provider subscription id. With byUser it falls back to
// the user's active subscription, then their most recent one, as long as that
// row belongs to the same provider and has not ended. A matched row without a
// provider id adopts the one from the lookup.
func (s *Service) resolve(ctx context.Context, lookup subscriptiondomain.Lookup, byUser bool) (*subscriptiondomain.Subscription, error) {
	providerSubscriptionID := strings.TrimSpace(lookup.ProviderSubscriptionID)
	userID := strings.TrimSpace(lookup.UserID)
	if providerSubscriptionID == "" && userID == "" {
		return nil, subscriptiondomain.ErrMissingLookup
	}

	if providerSubscriptionID != "" {
		item, err := s.repo.FindByProviderSubscriptionID(ctx, s.db, lookup.Provider, providerSubscriptionID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}

	if !byUser || userID == "" {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	item, err := s.repo.FindActiveByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		item, err = s.repo.FindLatestByUser(ctx, s.db, userID)
		if err != nil {
			return nil, err
		}
	}
	if item == nil || item.Provider != lookup.Provider || item.Status.Ended() {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if item.ProviderSubscriptionID != nil {
		if providerSubscriptionID != "" && *item.ProviderSubscriptionID != providerSubscriptionID {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return item, nil
	}
	if providerSubscriptionID != "" {
		if err := s.repo.AttachProviderSubscriptionID(ctx, s.db, item.ID, providerSubscriptionID, s.clock.Now()); err != nil {
			return nil, err
		}
		item.ProviderSubscriptionID = &providerSubscriptionID
	}
	return item, nil
}

func (s *Service) reload(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
