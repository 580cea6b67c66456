package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/signature"
	stripeapi "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Tolerance bounds how old a signed event timestamp may be.
const Tolerance = webhook.DefaultTolerance

func (c *Client) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if header == "" {
		return signature.ErrMissingSignature
	}
	if c.cfg.WebhookSecret == "" {
		return signature.ErrInvalidSignature
	}

	err := webhook.ValidatePayloadWithTolerance(payload, header, c.cfg.WebhookSecret, Tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned):
		return signature.ErrMissingSignature
	case errors.Is(err, webhook.ErrTooOld):
		return signature.ErrSignatureExpired
	default:
		return signature.ErrInvalidSignature
	}
}

func (c *Client) ParseNotification(ctx context.Context, payload []byte) (domain.Notification, error) {
	var event stripeapi.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Notification{}, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return domain.Notification{}, domain.ErrInvalidPayload
	}

	base := domain.Notification{
		Provider:   domain.ProviderStripe,
		EventID:    event.ID,
		EventType:  string(event.Type),
		OccurredAt: c.timestamp(event.Created),
		Payload:    payload,
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return parseSession(base, event.Data.Raw, "")
	case "checkout.session.expired":
		return parseSession(base, event.Data.Raw, domain.StatusCanceled)
	case "checkout.session.async_payment_failed":
		return parseSession(base, event.Data.Raw, domain.StatusFailed)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return parseSubscription(base, event.Data.Raw)
	case "invoice.payment_succeeded", "invoice.paid":
		return parseInvoice(base, event.Data.Raw, domain.NotificationInvoicePaid)
	case "invoice.payment_failed":
		return parseInvoice(base, event.Data.Raw, domain.NotificationInvoiceFailed)
	case "customer.subscription.trial_will_end":
		base.Kind = domain.NotificationInformational
		return base, nil
	default:
		return domain.Notification{}, domain.ErrEventIgnored
	}
}

func parseSession(n domain.Notification, raw json.RawMessage, forced domain.OrderStatus) (domain.Notification, error) {
	var sess stripeapi.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil || strings.TrimSpace(sess.ID) == "" {
		return domain.Notification{}, domain.ErrInvalidPayload
	}

	n.Kind = domain.NotificationOrderStatus
	n.ProviderOrderID = sess.ID
	n.ExternalOrderID = externalOrderID(&sess)
	n.RawStatus = string(sess.Status) + "/" + string(sess.PaymentStatus)
	n.Status = MapSessionStatus(string(sess.Status), string(sess.PaymentStatus))
	if forced != "" {
		n.Status = forced
	}
	n.Amount = sess.AmountTotal
	n.Currency = strings.ToUpper(string(sess.Currency))
	n.UserID = strings.TrimSpace(sess.Metadata["user_id"])
	n.PlanID = strings.TrimSpace(sess.Metadata["plan_id"])
	n.BillingCycle = domain.BillingCycle(strings.TrimSpace(sess.Metadata["billing_cycle"]))
	if sess.Customer != nil {
		n.ProviderCustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		n.ProviderSubscriptionID = sess.Subscription.ID
	}
	return n, nil
}

func parseSubscription(n domain.Notification, raw json.RawMessage) (domain.Notification, error) {
	var sub stripeapi.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil || strings.TrimSpace(sub.ID) == "" {
		return domain.Notification{}, domain.ErrInvalidPayload
	}

	n.Kind = domain.NotificationSubscriptionStatus
	n.ProviderSubscriptionID = sub.ID
	n.SubscriptionStatus = string(sub.Status)
	if n.EventType == "customer.subscription.deleted" {
		n.SubscriptionStatus = string(stripeapi.SubscriptionStatusCanceled)
	}
	n.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	n.PeriodStart = unixPtr(sub.CurrentPeriodStart)
	n.PeriodEnd = unixPtr(sub.CurrentPeriodEnd)
	n.UserID = strings.TrimSpace(sub.Metadata["user_id"])
	n.PlanID = strings.TrimSpace(sub.Metadata["plan_id"])
	n.ExternalOrderID = strings.TrimSpace(sub.Metadata["ext_order_id"])
	if sub.Customer != nil {
		n.ProviderCustomerID = sub.Customer.ID
	}
	return n, nil
}

func parseInvoice(n domain.Notification, raw json.RawMessage, kind domain.NotificationKind) (domain.Notification, error) {
	var inv stripeapi.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil || strings.TrimSpace(inv.ID) == "" {
		return domain.Notification{}, domain.ErrInvalidPayload
	}
	// The first invoice of a subscription is settled through the checkout
	// session; only renewals extend the period.
	if kind == domain.NotificationInvoicePaid && inv.BillingReason == stripeapi.InvoiceBillingReasonSubscriptionCreate {
		return domain.Notification{}, domain.ErrEventIgnored
	}
	if inv.Subscription == nil || strings.TrimSpace(inv.Subscription.ID) == "" {
		return domain.Notification{}, domain.ErrEventIgnored
	}

	n.Kind = kind
	n.InvoiceID = inv.ID
	n.ProviderSubscriptionID = inv.Subscription.ID
	n.Amount = inv.AmountPaid
	if kind == domain.NotificationInvoiceFailed {
		n.Amount = inv.AmountDue
	}
	n.Currency = strings.ToUpper(string(inv.Currency))
	if inv.Customer != nil {
		n.ProviderCustomerID = inv.Customer.ID
	}
	return n, nil
}

func unixPtr(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}

func (c *Client) timestamp(created int64) time.Time {
	if created == 0 {
		return c.clock.Now()
	}
	return time.Unix(created, 0).UTC()
}
