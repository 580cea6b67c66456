package payu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	tokenPath  = "/pl/standard/user/oauth/authorize"
	ordersPath = "/api/v2_1/orders"

	createOrderTimeout = 30 * time.Second
	tokenTimeout       = 10 * time.Second
	statusTimeout      = 15 * time.Second

	maxResponseBody = 1 << 20
)

// Client talks to the PayU REST API. Each Client owns its token cache.
type Client struct {
	cfg      config.PayUConfig
	http     *http.Client
	clock    clock.Clock
	tokens   *TokenSource
	validate *validator.Validate
	log      *zap.Logger
}

// New builds a client. Missing credentials fail construction; they are
// checked again on every call.
func New(cfg config.PayUConfig, clk clock.Clock, httpClient *http.Client, log *zap.Logger) (*Client, error) {
	if missing := cfg.Missing(); len(missing) > 0 {
		return nil, configurationError("new", missing)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, configurationError("new", []string{"base_url"})
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		http:     noRedirectClient(httpClient),
		clock:    clk,
		validate: newValidator(),
		log:      log.Named("payment.payu"),
	}
	c.cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c.tokens = NewTokenSource(clk, c.requestToken)
	return c, nil
}

func noRedirectClient(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		copied := *base
		client = &copied
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderPayU
}

func (c *Client) Sandbox() bool {
	return c.cfg.Sandbox()
}

func (c *Client) Authenticate(ctx context.Context) (domain.AccessToken, error) {
	if err := c.checkConfig("authenticate"); err != nil {
		return domain.AccessToken{}, err
	}
	return c.tokens.Token(ctx)
}

func (c *Client) checkConfig(op string) error {
	if missing := c.cfg.Missing(); len(missing) > 0 {
		return configurationError(op, missing)
	}
	return nil
}

type rawResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

// doAuthorized sends a bearer-authenticated request. A 401 invalidates the
// cached token and retries exactly once.
func (c *Client) doAuthorized(ctx context.Context, op, method, path string, body []byte) (rawResponse, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return rawResponse{}, err
		}

		resp, err := c.do(ctx, op, method, c.cfg.BaseURL+path, body, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token.Value)
			req.Header.Set("Accept", "application/json")
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
		})
		if err != nil {
			return rawResponse{}, err
		}
		if resp.statusCode != http.StatusUnauthorized {
			return resp, nil
		}

		c.tokens.Invalidate()
		if attempt >= 1 {
			return rawResponse{}, &domain.GatewayError{
				Kind:       domain.ErrAuthentication,
				Provider:   domain.ProviderPayU,
				Op:         op,
				StatusCode: resp.statusCode,
				Message:    "access token rejected after refresh",
				RawBody:    diagnosticBody(resp.body),
			}
		}
		c.log.Info("access token rejected, refreshing", zap.String("operation", op))
	}
}

func (c *Client) do(ctx context.Context, op, method, url string, body []byte, decorate func(*http.Request)) (rawResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return rawResponse{}, &domain.GatewayError{
			Kind:     domain.ErrConfiguration,
			Provider: domain.ProviderPayU,
			Op:       op,
			Err:      err,
		}
	}
	decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return rawResponse{}, transportError(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return rawResponse{}, transportError(op, err)
	}
	return rawResponse{statusCode: resp.StatusCode, header: resp.Header, body: payload}, nil
}

func transportError(op string, err error) error {
	message := "transport failure"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "timeout"
	}
	return &domain.GatewayError{
		Kind:     domain.ErrTransientGateway,
		Provider: domain.ProviderPayU,
		Op:       op,
		Message:  message,
		Err:      err,
	}
}

func configurationError(op string, missing []string) error {
	return &domain.GatewayError{
		Kind:     domain.ErrConfiguration,
		Provider: domain.ProviderPayU,
		Op:       op,
		Message:  "missing credentials",
		Fields:   missing,
	}
}

func statusError(op string, resp rawResponse) error {
	kind := domain.ErrUnexpectedResponseShape
	switch {
	case resp.statusCode >= 500, resp.statusCode == http.StatusTooManyRequests:
		kind = domain.ErrTransientGateway
	case resp.statusCode == http.StatusUnauthorized:
		kind = domain.ErrAuthentication
	}
	return &domain.GatewayError{
		Kind:       kind,
		Provider:   domain.ProviderPayU,
		Op:         op,
		StatusCode: resp.statusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.statusCode),
		RawBody:    diagnosticBody(resp.body),
	}
}

func diagnosticBody(body []byte) string {
	const limit = 2 << 10
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
