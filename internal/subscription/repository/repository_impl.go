package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"github.com/smallbiznis/paysync/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const columns = `id, user_id, plan_id, billing_cycle, status, current_period_start,
	current_period_end, trial_start, trial_end, payment_attempts, last_payment_order_id,
	last_renewal_ref, provider, provider_subscription_id, provider_customer_id,
	amount_gross, currency, cancel_at_period_end, canceled_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, sub *subscriptiondomain.Subscription) error {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO user_subscriptions (`+columns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.BillingCycle,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.PaymentAttempts,
		sub.LastPaymentOrderID,
		sub.LastRenewalRef,
		sub.Provider,
		sub.ProviderSubscriptionID,
		sub.ProviderCustomerID,
		sub.AmountGross,
		sub.Currency,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return subscriptiondomain.ErrDuplicateKey
	}
	return err
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, conn, `id = ?`, ``, id)
}

func (r *repo) FindActiveByUser(ctx context.Context, conn *gorm.DB, userID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, conn, `user_id = ? AND status = ?`, ``, userID, subscriptiondomain.StatusActive)
}

func (r *repo) FindLatestByUser(ctx context.Context, conn *gorm.DB, userID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, conn, `user_id = ?`, `ORDER BY created_at DESC, id DESC`, userID)
}

func (r *repo) FindByProviderSubscriptionID(ctx context.Context, conn *gorm.DB, provider paymentdomain.Provider, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, conn, `provider = ? AND provider_subscription_id = ?`, ``, provider, providerSubscriptionID)
}

func (r *repo) FindByLastPaymentOrder(ctx context.Context, conn *gorm.DB, orderID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, conn, `last_payment_order_id = ?`, ``, orderID)
}

// findOne returns nil, nil when no row matches.
func (r *repo) findOne(ctx context.Context, conn *gorm.DB, where, order string, args ...any) (*subscriptiondomain.Subscription, error) {
	var item subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+columns+`
		 FROM user_subscriptions
		 WHERE `+where+`
		 `+order+`
		 LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CountByUser(ctx context.Context, conn *gorm.DB, userID string) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM user_subscriptions WHERE user_id = ?`,
		userID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ApplyRenewal(ctx context.Context, conn *gorm.DB, id snowflake.ID, update subscriptiondomain.RenewalUpdate) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET status = ?,
			current_period_start = ?,
			current_period_end = ?,
			payment_attempts = 0,
			last_renewal_ref = ?,
			updated_at = ?
		 WHERE id = ?
		   AND (last_renewal_ref IS NULL OR last_renewal_ref <> ?)`,
		subscriptiondomain.StatusActive,
		update.PeriodStart,
		update.PeriodEnd,
		nullableText(update.RenewalRef),
		update.At,
		id,
		update.RenewalRef,
	)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, subscriptiondomain.ErrActiveConflict
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) IncrementPaymentAttempts(ctx context.Context, conn *gorm.DB, id snowflake.ID, pastDueAfter int, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET payment_attempts = payment_attempts + 1,
			status = CASE
				WHEN status = ? AND payment_attempts + 1 >= ? THEN ?
				ELSE status
			END,
			updated_at = ?
		 WHERE id = ?`,
		subscriptiondomain.StatusActive,
		pastDueAfter,
		subscriptiondomain.StatusPastDue,
		at,
		id,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, conn *gorm.DB, id snowflake.ID, update subscriptiondomain.StatusUpdate) error {
	var canceledAt *time.Time
	if update.Status == subscriptiondomain.StatusCanceled {
		at := update.At
		canceledAt = &at
	}
	err := conn.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET status = ?,
			current_period_start = COALESCE(?, current_period_start),
			current_period_end = COALESCE(?, current_period_end),
			cancel_at_period_end = ?,
			provider_customer_id = COALESCE(provider_customer_id, ?),
			canceled_at = COALESCE(canceled_at, ?),
			updated_at = ?
		 WHERE id = ?`,
		update.Status,
		update.PeriodStart,
		update.PeriodEnd,
		update.CancelAtPeriodEnd,
		nullableText(update.ProviderCustomerID),
		canceledAt,
		update.At,
		id,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return subscriptiondomain.ErrActiveConflict
	}
	return err
}

func (r *repo) AttachProviderSubscriptionID(ctx context.Context, conn *gorm.DB, id snowflake.ID, providerSubscriptionID string, at time.Time) error {
	err := conn.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET provider_subscription_id = ?, updated_at = ?
		 WHERE id = ? AND provider_subscription_id IS NULL`,
		providerSubscriptionID,
		at,
		id,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return subscriptiondomain.ErrDuplicateKey
	}
	return err
}

func nullableText(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
