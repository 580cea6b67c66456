package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Provider string

const (
	ProviderPayU   Provider = "payu"
	ProviderStripe Provider = "stripe"
)

func ParseProvider(raw string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderPayU:
		return ProviderPayU, nil
	case ProviderStripe:
		return ProviderStripe, nil
	case "":
		return "", ErrInvalidProvider
	default:
		return "", ErrProviderNotFound
	}
}

// OrderStatus is the local lifecycle of a payment order. PENDING is the only
// non-terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusCanceled  OrderStatus = "CANCELED"
	StatusFailed    OrderStatus = "FAILED"

	// StatusUnknown marks a provider status with no local mapping.
	StatusUnknown OrderStatus = ""
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

func (s OrderStatus) Valid() bool {
	return s == StatusPending || s.Terminal()
}

type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingYearly
}

type Order struct {
	ID                 snowflake.ID   `json:"id" gorm:"primaryKey"`
	ExternalOrderID    string         `json:"ext_order_id" gorm:"type:text;not null;uniqueIndex"`
	ProviderOrderID    *string        `json:"provider_order_id,omitempty" gorm:"type:text"`
	Provider           Provider       `json:"provider" gorm:"type:text;not null"`
	UserID             string         `json:"user_id" gorm:"type:text;not null;index"`
	PlanID             string         `json:"plan_id" gorm:"type:text;not null"`
	BillingCycle       BillingCycle   `json:"billing_cycle" gorm:"type:text;not null"`
	Amount             int64          `json:"amount" gorm:"not null"`
	Currency           string         `json:"currency" gorm:"type:text;not null"`
	Status             OrderStatus    `json:"status" gorm:"type:text;not null"`
	Recurring          bool           `json:"recurring" gorm:"not null"`
	CustomerEmail      string         `json:"customer_email" gorm:"type:text;not null"`
	RedirectURL        string         `json:"redirect_url,omitempty" gorm:"type:text"`
	RawProviderPayload datatypes.JSON `json:"-" gorm:"type:jsonb"`
	CreatedAt          time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time      `json:"updated_at" gorm:"not null"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

func (Order) TableName() string { return "payment_orders" }

func (o Order) ProviderOrderIDValue() string {
	if o.ProviderOrderID == nil {
		return ""
	}
	return *o.ProviderOrderID
}

const (
	OrphanReasonNotFound       = "order_not_found"
	OrphanReasonAmbiguous      = "ambiguous_order"
	OrphanReasonUnmappedStatus = "unmapped_status"
)

// OrphanWebhook is a notification that could not be applied to any order.
type OrphanWebhook struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        Provider       `json:"provider" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	ExternalOrderID string         `json:"ext_order_id" gorm:"type:text"`
	ProviderOrderID string         `json:"provider_order_id" gorm:"type:text"`
	ReportedStatus  string         `json:"reported_status" gorm:"type:text"`
	Reason          string         `json:"reason" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
}

func (OrphanWebhook) TableName() string { return "orphan_webhooks" }

// PaymentPage backs the local intermediary for gateways that answer order
// creation with an HTML checkout page instead of a redirect.
type PaymentPage struct {
	Token       string         `json:"token" gorm:"primaryKey"`
	OrderID     snowflake.ID   `json:"order_id" gorm:"not null"`
	Provider    Provider       `json:"provider" gorm:"type:text;not null"`
	RequestBody datatypes.JSON `json:"-" gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
	ExpiresAt   time.Time      `json:"expires_at" gorm:"not null"`
}

func (PaymentPage) TableName() string { return "payment_pages" }

const PaymentPageTokenPrefix = "HTML-"

// EventRecord journals every verified webhook. ProcessedAt is set once the
// notification has been fully applied, so a redelivery after a failure is
// processed again.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        Provider       `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "payment_events" }
