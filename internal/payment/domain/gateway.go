package domain

import (
	"context"
	"net/http"
	"time"
)

// AccessToken is a bearer credential. A zero ExpiresAt never expires.
type AccessToken struct {
	Value     string
	TokenType string
	ExpiresAt time.Time
}

// FreshAt reports whether the token may still be used at now, leaving skew
// before the declared expiry.
func (t AccessToken) FreshAt(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(t.ExpiresAt.Add(-skew))
}

type Buyer struct {
	Email     string `json:"email" validate:"required,email"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Language  string `json:"language,omitempty"`
}

type Product struct {
	Name      string `json:"name" validate:"required"`
	UnitPrice int64  `json:"unitPrice" validate:"gte=1"`
	Quantity  int64  `json:"quantity" validate:"gte=1"`
}

// OrderRequest is the provider-neutral order sent to a gateway.
type OrderRequest struct {
	ExternalOrderID string       `validate:"required"`
	Description     string       `validate:"required,min=3"`
	Currency        string       `validate:"required,len=3"`
	TotalAmount     int64        `validate:"gt=0"`
	CustomerIP      string       `validate:"omitempty,ip"`
	Buyer           Buyer        `validate:"required"`
	Products        []Product    `validate:"required,min=1,dive"`
	UserID          string       `validate:"required"`
	PlanID          string       `validate:"required"`
	BillingCycle    BillingCycle `validate:"required,oneof=monthly yearly"`
	Recurring       bool
}

type OutcomeKind string

const (
	OutcomeRedirect   OutcomeKind = "redirect"
	OutcomeJSONOrder  OutcomeKind = "json_order"
	OutcomeHTMLPage   OutcomeKind = "html_page"
	OutcomeUnexpected OutcomeKind = "unexpected"
)

// GatewayOrderResult is the classified answer to an order creation call.
// RequestBody holds the exact payload sent so an HTML page can be replayed.
type GatewayOrderResult struct {
	Kind            OutcomeKind
	ProviderOrderID string
	RedirectTarget  string
	StatusCode      int
	RawBody         []byte
	RequestBody     []byte
}

// ProviderStatus is the answer to a status poll.
type ProviderStatus struct {
	ProviderOrderID string
	ExternalOrderID string
	RawStatus       string
	Status          OrderStatus
	Payload         []byte
}

type NotificationKind string

const (
	NotificationOrderStatus        NotificationKind = "order_status"
	NotificationSubscriptionStatus NotificationKind = "subscription_status"
	NotificationInvoicePaid        NotificationKind = "invoice_paid"
	NotificationInvoiceFailed      NotificationKind = "invoice_failed"
	NotificationInformational      NotificationKind = "informational"
)

// Notification is a verified, parsed webhook in provider-neutral form.
type Notification struct {
	Provider  Provider
	Kind      NotificationKind
	EventID   string
	EventType string

	ExternalOrderID string
	ProviderOrderID string
	RawStatus       string
	Status          OrderStatus
	Amount          int64
	Currency        string

	UserID                 string
	PlanID                 string
	BillingCycle           BillingCycle
	ProviderSubscriptionID string
	ProviderCustomerID     string
	SubscriptionStatus     string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CancelAtPeriodEnd      bool
	InvoiceID              string

	OccurredAt time.Time
	Payload    []byte
}

// Gateway is one payment provider integration.
type Gateway interface {
	Provider() Provider
	Sandbox() bool
	Authenticate(ctx context.Context) (AccessToken, error)
	CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrderResult, error)
	GetOrderStatus(ctx context.Context, providerOrderID string) (ProviderStatus, error)
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	ParseNotification(ctx context.Context, payload []byte) (Notification, error)
}

// PageReplayer is implemented by gateways that may answer with an HTML page.
type PageReplayer interface {
	ReplayOrder(ctx context.Context, requestBody []byte) (GatewayOrderResult, error)
}

// BillingPortal is implemented by gateways that host a self-service page
// where a customer manages their subscription and payment methods.
type BillingPortal interface {
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
}
