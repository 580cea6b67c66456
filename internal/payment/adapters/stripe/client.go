package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	stripeapi "github.com/stripe/stripe-go/v78"
	portalsession "github.com/stripe/stripe-go/v78/billingportal/session"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "Stripe-Signature"

	createOrderTimeout = 30 * time.Second
	statusTimeout      = 15 * time.Second
)

// Client wraps hosted checkout and billing portal sessions. It keeps its own
// backend so tests and multiple accounts never touch the package-level key.
type Client struct {
	cfg      config.StripeConfig
	sessions *session.Client
	portals  *portalsession.Client
	clock    clock.Clock
	validate *validator.Validate
	log      *zap.Logger
}

func New(cfg config.StripeConfig, clk clock.Clock, httpClient *http.Client, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, configurationError("new", "secret_key")
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("payment.stripe")
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		log.Warn("stripe webhook secret is not configured, signed webhooks will be rejected")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: createOrderTimeout}
	}

	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripeapi.Int64(0),
		EnableTelemetry:   stripeapi.Bool(false),
		LeveledLogger:     log.Sugar(),
	}
	if apiURL := strings.TrimSpace(cfg.APIURL); apiURL != "" {
		backendCfg.URL = stripeapi.String(strings.TrimRight(apiURL, "/"))
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg)

	return &Client{
		cfg:      cfg,
		sessions: &session.Client{B: backend, Key: cfg.SecretKey},
		portals:  &portalsession.Client{B: backend, Key: cfg.SecretKey},
		clock:    clk,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}, nil
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderStripe
}

func (c *Client) Sandbox() bool {
	return c.cfg.Sandbox()
}

// Authenticate returns the static secret key as a token that never expires.
func (c *Client) Authenticate(ctx context.Context) (domain.AccessToken, error) {
	if strings.TrimSpace(c.cfg.SecretKey) == "" {
		return domain.AccessToken{}, configurationError("authenticate", "secret_key")
	}
	return domain.AccessToken{Value: c.cfg.SecretKey, TokenType: "secret_key"}, nil
}

func configurationError(op, field string) error {
	return &domain.GatewayError{
		Kind:     domain.ErrConfiguration,
		Provider: domain.ProviderStripe,
		Op:       op,
		Message:  "missing credentials",
		Fields:   []string{field},
	}
}

// mapError classifies stripe API failures by HTTP status. Errors without a
// status never reached the API and are treated as transient.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	gwErr := &domain.GatewayError{
		Kind:     domain.ErrTransientGateway,
		Provider: domain.ProviderStripe,
		Op:       op,
		Err:      err,
	}

	var apiErr *stripeapi.Error
	if !errors.As(err, &apiErr) {
		gwErr.Message = "transport failure"
		return gwErr
	}

	gwErr.StatusCode = apiErr.HTTPStatusCode
	gwErr.Code = string(apiErr.Code)
	gwErr.Message = apiErr.Msg
	switch status := apiErr.HTTPStatusCode; {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		gwErr.Kind = domain.ErrAuthentication
	case status == http.StatusBadRequest, status == http.StatusPaymentRequired, status == http.StatusNotFound:
		gwErr.Kind = domain.ErrValidation
		if apiErr.Param != "" {
			gwErr.Fields = []string{apiErr.Param}
		}
	case status == http.StatusTooManyRequests, status >= 500, status == 0:
		gwErr.Kind = domain.ErrTransientGateway
	default:
		gwErr.Kind = domain.ErrUnexpectedResponseShape
	}
	return gwErr
}

func validationError(op string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &domain.GatewayError{Kind: domain.ErrValidation, Provider: domain.ProviderStripe, Op: op, Err: err}
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s:%s", strings.TrimPrefix(fe.Namespace(), "OrderRequest."), fe.Tag()))
	}
	return &domain.GatewayError{
		Kind:     domain.ErrValidation,
		Provider: domain.ProviderStripe,
		Op:       op,
		Message:  "order request rejected locally",
		Fields:   fields,
	}
}
