// Package domain contains the subscription model and its lifecycle rules.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
)

// Status is the local subscription state. Trialing subscriptions are active.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusFailed   Status = "failed"
)

// Ended reports whether the subscription can no longer be renewed.
func (s Status) Ended() bool {
	return s == StatusCanceled || s == StatusFailed
}

const (
	TrialDays = 14

	// PastDueAfterAttempts is the number of failed renewals that moves an
	// active subscription to past_due.
	PastDueAfterAttempts = 3
)

type Subscription struct {
	ID                     snowflake.ID               `json:"id" gorm:"primaryKey"`
	UserID                 string                     `json:"user_id" gorm:"type:text;not null;index"`
	PlanID                 string                     `json:"plan_id" gorm:"type:text;not null"`
	BillingCycle           paymentdomain.BillingCycle `json:"billing_cycle" gorm:"type:text;not null"`
	Status                 Status                     `json:"status" gorm:"type:text;not null"`
	CurrentPeriodStart     time.Time                  `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd       time.Time                  `json:"current_period_end" gorm:"not null"`
	TrialStart             *time.Time                 `json:"trial_start,omitempty"`
	TrialEnd               *time.Time                 `json:"trial_end,omitempty"`
	PaymentAttempts        int                        `json:"payment_attempts" gorm:"not null;default:0"`
	LastPaymentOrderID     *snowflake.ID              `json:"last_payment_order_id,omitempty"`
	LastRenewalRef         *string                    `json:"-" gorm:"type:text"`
	Provider               paymentdomain.Provider     `json:"provider" gorm:"type:text;not null"`
	ProviderSubscriptionID *string                    `json:"provider_subscription_id,omitempty" gorm:"type:text"`
	ProviderCustomerID     *string                    `json:"provider_customer_id,omitempty" gorm:"type:text"`
	AmountGross            int64                      `json:"amount_gross" gorm:"not null"`
	Currency               string                     `json:"currency" gorm:"type:text;not null"`
	CancelAtPeriodEnd      bool                       `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CanceledAt             *time.Time                 `json:"canceled_at,omitempty"`
	CreatedAt              time.Time                  `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time                  `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "user_subscriptions" }

// InTrial reports whether at falls inside the trial window.
func (s Subscription) InTrial(at time.Time) bool {
	if s.TrialStart == nil || s.TrialEnd == nil {
		return false
	}
	return !at.Before(*s.TrialStart) && at.Before(*s.TrialEnd)
}

// Periods returns the bounds of one billing period starting at start.
func Periods(start time.Time, cycle paymentdomain.BillingCycle) (time.Time, time.Time, error) {
	switch cycle {
	case paymentdomain.BillingMonthly:
		return start, start.AddDate(0, 1, 0), nil
	case paymentdomain.BillingYearly:
		return start, start.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, time.Time{}, ErrInvalidBillingCycle
	}
}

// MapProviderStatus translates a Stripe subscription status.
func MapProviderStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "trialing":
		return StatusActive, true
	case "past_due", "paused":
		return StatusPastDue, true
	case "canceled":
		return StatusCanceled, true
	case "unpaid", "incomplete", "incomplete_expired":
		return StatusFailed, true
	default:
		return "", false
	}
}

type ActivationResult string

const (
	ActivationCreated ActivationResult = "created"
	// ActivationSkipped means the user already holds an active subscription
	// or this order already produced one.
	ActivationSkipped ActivationResult = "skipped"
	// ActivationRaced means a concurrent activation won the insert.
	ActivationRaced ActivationResult = "raced"
)

// ActivationDetails carries provider data known at completion time.
type ActivationDetails struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
}

// Lookup addresses a subscription by provider id first, then by user.
type Lookup struct {
	Provider               paymentdomain.Provider
	ProviderSubscriptionID string
	UserID                 string
}

type RenewalRequest struct {
	Lookup
	InvoiceID string
	PaidAt    time.Time
	Amount    int64
}

type PaymentFailureRequest struct {
	Lookup
	InvoiceID string
	FailedAt  time.Time
}

type ProviderStatusUpdate struct {
	Lookup
	ProviderCustomerID string
	RawStatus          string
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	CancelAtPeriodEnd  bool
	At                 time.Time
}
