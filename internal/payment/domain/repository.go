package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type StatusUpdate struct {
	ProviderOrderID string
	RawPayload      []byte
	At              time.Time
}

// UpdateResult reports the outcome of a compare-and-set status update. Stale
// means the row no longer held the expected status.
type UpdateResult struct {
	Applied bool
	Stale   bool
}

type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, extOrderID string) (*Order, error)
	FindByProviderID(ctx context.Context, db *gorm.DB, provider Provider, providerOrderID string) (*Order, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, expected, next OrderStatus, update StatusUpdate) (UpdateResult, error)
	AttachProviderOrderID(ctx context.Context, db *gorm.DB, id snowflake.ID, providerOrderID string, at time.Time) error
	ListStalePending(ctx context.Context, db *gorm.DB, createdBefore, createdAfter time.Time, limit int) ([]Order, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]Order, error)

	InsertOrphan(ctx context.Context, db *gorm.DB, orphan *OrphanWebhook) error

	FindEvent(ctx context.Context, db *gorm.DB, provider Provider, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	InsertPage(ctx context.Context, db *gorm.DB, page *PaymentPage) error
	FindPage(ctx context.Context, db *gorm.DB, token string) (*PaymentPage, error)
}
