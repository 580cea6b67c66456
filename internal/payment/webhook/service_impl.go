package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/reconcile"
	"github.com/smallbiznis/paysync/internal/payment/signature"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ReasonEventIgnored   = "event_ignored"
	ReasonDuplicateEvent = "duplicate_event"
)

// NotificationHandler applies a verified notification.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n domain.Notification) (reconcile.Outcome, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Repo     domain.Repository
	Gateways reconcile.GatewayResolver
	Handler  NotificationHandler
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	repo     domain.Repository
	gateways reconcile.GatewayResolver
	handler  NotificationHandler
	metrics  *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		clock:    p.Clock,
		genID:    p.GenID,
		repo:     p.Repo,
		gateways: p.Gateways,
		handler:  p.Handler,
		metrics:  p.Metrics,
	}
}

// IngestWebhook verifies, journals and applies one provider callback. A nil
// error means the provider should receive a 2xx, including for orphans and
// ignored events.
func (s *Service) IngestWebhook(ctx context.Context, providerName string, payload []byte, headers http.Header) (reconcile.Outcome, error) {
	provider, err := domain.ParseProvider(providerName)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	gateway, err := s.gateways.Gateway(provider)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	if err := s.verify(ctx, gateway, payload, headers); err != nil {
		return reconcile.Outcome{}, err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return reconcile.Outcome{}, domain.ErrInvalidPayload
	}

	n, err := gateway.ParseNotification(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.log.Debug("webhook ignored", zap.String("provider", string(provider)))
			return reconcile.Outcome{Kind: reconcile.OutcomeIgnored, Reason: ReasonEventIgnored}, nil
		}
		return reconcile.Outcome{}, err
	}
	if len(n.Payload) == 0 {
		n.Payload = payload
	}
	s.metrics.RecordPaymentEvent(ctx, string(provider), n.EventType)

	record, processed, err := s.journal(ctx, n)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	if processed {
		s.log.Info("duplicate webhook skipped",
			zap.String("provider", string(provider)),
			zap.String("event_id", n.EventID),
		)
		return reconcile.Outcome{Kind: reconcile.OutcomeIgnored, Reason: ReasonDuplicateEvent}, nil
	}

	outcome, err := s.handler.HandleNotification(ctx, n)
	if err != nil && !errors.Is(err, domain.ErrAmbiguousOrder) {
		s.log.Error("webhook processing failed",
			zap.String("provider", string(provider)),
			zap.String("event_id", n.EventID),
			zap.String("event_type", n.EventType),
			zap.Error(err),
		)
		return reconcile.Outcome{}, err
	}
	if err != nil {
		s.log.Warn("ambiguous webhook stored as orphan",
			zap.String("provider", string(provider)),
			zap.String("ext_order_id", n.ExternalOrderID),
			zap.String("provider_order_id", n.ProviderOrderID),
		)
	}

	if record != nil {
		if err := s.repo.MarkEventProcessed(ctx, s.db, record.ID, s.clock.Now()); err != nil {
			s.log.Warn("failed to mark webhook processed", zap.String("event_id", n.EventID), zap.Error(err))
		}
	}

	s.log.Info("webhook applied",
		zap.String("provider", string(provider)),
		zap.String("event_type", n.EventType),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("reason", outcome.Reason),
	)
	return outcome, nil
}

// verify tolerates a missing signature only for sandbox gateways.
func (s *Service) verify(ctx context.Context, gateway domain.Gateway, payload []byte, headers http.Header) error {
	err := gateway.Verify(ctx, payload, headers)
	if err == nil {
		return nil
	}
	if errors.Is(err, signature.ErrMissingSignature) && gateway.Sandbox() {
		s.log.Warn("unsigned webhook accepted in sandbox",
			zap.Bool("security", true),
			zap.String("provider", string(gateway.Provider())),
		)
		return nil
	}
	s.log.Warn("webhook signature rejected",
		zap.Bool("security", true),
		zap.String("provider", string(gateway.Provider())),
		zap.Error(err),
	)
	return err
}

// journal records the event once. processed reports a redelivery of an event
// that was already applied.
func (s *Service) journal(ctx context.Context, n domain.Notification) (*domain.EventRecord, bool, error) {
	if n.EventID == "" {
		return nil, false, nil
	}
	existing, err := s.repo.FindEvent(ctx, s.db, n.Provider, n.EventID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, existing.ProcessedAt != nil, nil
	}

	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        n.Provider,
		ProviderEventID: n.EventID,
		EventType:       n.EventType,
		Payload:         n.Payload,
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return record, false, nil
	}

	// lost the insert race
	existing, err = s.repo.FindEvent(ctx, s.db, n.Provider, n.EventID)
	if err != nil || existing == nil {
		return nil, false, err
	}
	return existing, existing.ProcessedAt != nil, nil
}
