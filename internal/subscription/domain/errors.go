package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidBillingCycle  = errors.New("invalid_billing_cycle")
	ErrInvalidOrder         = errors.New("invalid_order")
	ErrUnmappedStatus       = errors.New("unmapped_subscription_status")
	ErrMissingLookup        = errors.New("missing_subscription_lookup")
	ErrActiveConflict       = errors.New("active_subscription_conflict")
	ErrDuplicateKey         = errors.New("duplicate_key")
)
