package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const orderColumns = `id, external_order_id, provider_order_id, provider, user_id, plan_id,
	billing_cycle, amount, currency, status, recurring, customer_email, redirect_url,
	raw_provider_payload, created_at, updated_at, completed_at`

func (r *repo) InsertOrder(ctx context.Context, conn *gorm.DB, order *domain.Order) error {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO payment_orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.ExternalOrderID,
		order.ProviderOrderID,
		order.Provider,
		order.UserID,
		order.PlanID,
		order.BillingCycle,
		order.Amount,
		order.Currency,
		order.Status,
		order.Recurring,
		order.CustomerEmail,
		order.RedirectURL,
		nullableJSON(order.RawProviderPayload),
		order.CreatedAt,
		order.UpdatedAt,
		order.CompletedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, order.ExternalOrderID)
		}
		return err
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return r.findOne(ctx, conn, `id = ?`, id)
}

func (r *repo) FindByExternalID(ctx context.Context, conn *gorm.DB, extOrderID string) (*domain.Order, error) {
	extOrderID = strings.TrimSpace(extOrderID)
	if extOrderID == "" {
		return nil, domain.ErrOrderNotFound
	}
	return r.findOne(ctx, conn, `external_order_id = ?`, extOrderID)
}

func (r *repo) FindByProviderID(ctx context.Context, conn *gorm.DB, provider domain.Provider, providerOrderID string) (*domain.Order, error) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return nil, domain.ErrOrderNotFound
	}
	return r.findOne(ctx, conn, `provider = ? AND provider_order_id = ?`, provider, providerOrderID)
}

func (r *repo) findOne(ctx context.Context, conn *gorm.DB, where string, args ...any) (*domain.Order, error) {
	var item domain.Order
	err := conn.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM payment_orders
		 WHERE `+where+`
		 LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return &item, nil
}

// UpdateStatus is a compare-and-set on status. Zero affected rows is
// reported as Stale, never as an error.
func (r *repo) UpdateStatus(ctx context.Context, conn *gorm.DB, id snowflake.ID, expected, next domain.OrderStatus, update domain.StatusUpdate) (domain.UpdateResult, error) {
	var providerOrderID *string
	if value := strings.TrimSpace(update.ProviderOrderID); value != "" {
		providerOrderID = &value
	}
	var completedAt *time.Time
	if next == domain.StatusCompleted {
		at := update.At
		completedAt = &at
	}

	res := conn.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET status = ?,
			provider_order_id = COALESCE(provider_order_id, ?),
			raw_provider_payload = COALESCE(?, raw_provider_payload),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		next,
		providerOrderID,
		nullableJSON(update.RawPayload),
		completedAt,
		update.At,
		id,
		expected,
	)
	if res.Error != nil {
		return domain.UpdateResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.UpdateResult{Stale: true}, nil
	}
	return domain.UpdateResult{Applied: true}, nil
}

func (r *repo) AttachProviderOrderID(ctx context.Context, conn *gorm.DB, id snowflake.ID, providerOrderID string, at time.Time) error {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return nil
	}
	err := conn.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET provider_order_id = ?, updated_at = ?
		 WHERE id = ? AND provider_order_id IS NULL`,
		providerOrderID,
		at,
		id,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: provider order %s", domain.ErrDuplicateKey, providerOrderID)
	}
	return err
}

func (r *repo) ListStalePending(ctx context.Context, conn *gorm.DB, createdBefore, createdAfter time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.Order
	err := conn.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM payment_orders
		 WHERE status = ?
		   AND provider_order_id IS NOT NULL
		   AND created_at < ?
		   AND created_at > ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		domain.StatusPending,
		createdBefore,
		createdAfter,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByUser(ctx context.Context, conn *gorm.DB, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 20
	}
	var items []domain.Order
	err := conn.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM payment_orders
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertOrphan(ctx context.Context, conn *gorm.DB, orphan *domain.OrphanWebhook) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO orphan_webhooks (
			id, provider, event_type, external_order_id, provider_order_id,
			reported_status, reason, payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		orphan.ID,
		orphan.Provider,
		orphan.EventType,
		orphan.ExternalOrderID,
		orphan.ProviderOrderID,
		orphan.ReportedStatus,
		orphan.Reason,
		nullableJSON(orphan.Payload),
		orphan.ReceivedAt,
	).Error
}

func (r *repo) FindEvent(ctx context.Context, conn *gorm.DB, provider domain.Provider, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := conn.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, payload, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, conn *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, conn *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) InsertPage(ctx context.Context, conn *gorm.DB, page *domain.PaymentPage) error {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO payment_pages (token, order_id, provider, request_body, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		page.Token,
		page.OrderID,
		page.Provider,
		page.RequestBody,
		page.CreatedAt,
		page.ExpiresAt,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: page %s", domain.ErrDuplicateKey, page.Token)
	}
	return err
}

// FindPage returns ErrPageNotFound for unknown tokens; expiry is checked by
// the caller against its clock.
func (r *repo) FindPage(ctx context.Context, conn *gorm.DB, token string) (*domain.PaymentPage, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrPageNotFound
	}
	var item domain.PaymentPage
	err := conn.WithContext(ctx).Raw(
		`SELECT token, order_id, provider, request_body, created_at, expires_at
		 FROM payment_pages
		 WHERE token = ?
		 LIMIT 1`,
		token,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.Token == "" {
		return nil, domain.ErrPageNotFound
	}
	return &item, nil
}

func nullableJSON[T ~[]byte](value T) any {
	if len(value) == 0 {
		return nil
	}
	return datatypes.JSON(value)
}
