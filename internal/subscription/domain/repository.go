package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"gorm.io/gorm"
)

// RenewalUpdate moves a subscription into a new paid period.
type RenewalUpdate struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	RenewalRef  string
	At          time.Time
}

type StatusUpdate struct {
	Status             Status
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	CancelAtPeriodEnd  bool
	ProviderCustomerID string
	At                 time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindActiveByUser(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	FindLatestByUser(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, provider paymentdomain.Provider, providerSubscriptionID string) (*Subscription, error)
	FindByLastPaymentOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Subscription, error)
	CountByUser(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ApplyRenewal returns false when the renewal reference was already applied.
	ApplyRenewal(ctx context.Context, db *gorm.DB, id snowflake.ID, update RenewalUpdate) (bool, error)
	IncrementPaymentAttempts(ctx context.Context, db *gorm.DB, id snowflake.ID, pastDueAfter int, at time.Time) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update StatusUpdate) error
	AttachProviderSubscriptionID(ctx context.Context, db *gorm.DB, id snowflake.ID, providerSubscriptionID string, at time.Time) error
}
