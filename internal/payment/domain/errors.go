package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")

	ErrOrderNotFound  = errors.New("order_not_found")
	ErrDuplicateKey   = errors.New("duplicate_key")
	ErrAmbiguousOrder = errors.New("ambiguous_order")
	ErrPageNotFound   = errors.New("payment_page_not_found")
	ErrPageExpired    = errors.New("payment_page_expired")

	ErrActiveSubscriptionExists = errors.New("active_subscription_exists")
	ErrUnknownPlan              = errors.New("unknown_plan")
	ErrInvalidBillingCycle      = errors.New("invalid_billing_cycle")
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrRateLimited              = errors.New("rate_limited")
	ErrMissingUser              = errors.New("missing_user")
	ErrPortalUnavailable        = errors.New("portal_unavailable")
)

// Gateway error kinds. A GatewayError always unwraps to exactly one of these.
var (
	ErrConfiguration           = errors.New("gateway_configuration")
	ErrAuthentication          = errors.New("gateway_authentication")
	ErrValidation              = errors.New("gateway_validation")
	ErrTransientGateway        = errors.New("gateway_transient")
	ErrUnexpectedResponseShape = errors.New("gateway_unexpected_response")
)

type GatewayError struct {
	Kind       error
	Provider   Provider
	Op         string
	StatusCode int
	Code       string
	Message    string
	RawBody    string
	Fields     []string
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString("gateway ")
	b.WriteString(string(e.Provider))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(kindName(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" code=")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Fields, ","))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func kindName(kind error) string {
	if kind == nil {
		return "unknown"
	}
	return kind.Error()
}

// IsRetryable reports whether err is a transient gateway failure. Validation,
// authentication and configuration failures are never retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientGateway)
}

// KindOf returns the gateway error kind carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrConfiguration,
		ErrAuthentication,
		ErrValidation,
		ErrTransientGateway,
		ErrUnexpectedResponseShape,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindLabel is the metric label for err's gateway error kind.
func KindLabel(err error) string {
	kind := KindOf(err)
	if kind == nil {
		return "unknown"
	}
	return strings.TrimPrefix(kind.Error(), "gateway_")
}
