package payu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshSkew = 60 * time.Second

// TokenSource caches one access token and refreshes it before it expires.
// Concurrent callers share a single in-flight refresh.
type TokenSource struct {
	clock clock.Clock
	fetch func(ctx context.Context) (domain.AccessToken, error)
	group singleflight.Group

	mu       sync.Mutex
	token    domain.AccessToken
	issuedAt time.Time
}

func NewTokenSource(clk clock.Clock, fetch func(ctx context.Context) (domain.AccessToken, error)) *TokenSource {
	return &TokenSource{clock: clk, fetch: fetch}
}

func (s *TokenSource) Token(ctx context.Context) (domain.AccessToken, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	// The refresh outlives any single caller; requestToken bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("token", func() (any, error) {
		if token, ok := s.cached(); ok {
			return token, nil
		}
		issuedAt := s.clock.Now()
		token, err := s.fetch(fetchCtx)
		if err != nil {
			return domain.AccessToken{}, err
		}
		s.mu.Lock()
		s.token = token
		s.issuedAt = issuedAt
		s.mu.Unlock()
		return token, nil
	})

	select {
	case <-ctx.Done():
		return domain.AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.AccessToken{}, res.Err
		}
		return res.Val.(domain.AccessToken), nil
	}
}

// Invalidate drops the cached token so the next call re-authenticates.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = domain.AccessToken{}
	s.issuedAt = time.Time{}
	s.mu.Unlock()
}

func (s *TokenSource) cached() (domain.AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Value == "" {
		return domain.AccessToken{}, false
	}
	if !s.token.FreshAt(s.clock.Now(), refreshSkew(s.issuedAt, s.token.ExpiresAt)) {
		return domain.AccessToken{}, false
	}
	return s.token, true
}

// refreshSkew is 60s, or half the lifetime for tokens shorter than two minutes.
func refreshSkew(issuedAt, expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() || issuedAt.IsZero() {
		return defaultRefreshSkew
	}
	lifetime := expiresAt.Sub(issuedAt)
	if lifetime < 2*defaultRefreshSkew {
		return lifetime / 2
	}
	return defaultRefreshSkew
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	GrantType   string `json:"grant_type"`
}

func (c *Client) requestToken(ctx context.Context) (domain.AccessToken, error) {
	const op = "authenticate"
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	resp, err := c.do(ctx, op, http.MethodPost, c.cfg.BaseURL+tokenPath, []byte(form.Encode()), func(req *http.Request) {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
	})
	if err != nil {
		return domain.AccessToken{}, err
	}

	switch {
	case resp.statusCode == http.StatusUnauthorized, resp.statusCode == http.StatusBadRequest:
		return domain.AccessToken{}, &domain.GatewayError{
			Kind:       domain.ErrAuthentication,
			Provider:   domain.ProviderPayU,
			Op:         op,
			StatusCode: resp.statusCode,
			Message:    "client credentials rejected",
			RawBody:    diagnosticBody(resp.body),
		}
	case resp.statusCode != http.StatusOK:
		return domain.AccessToken{}, statusError(op, resp)
	}

	var payload tokenResponse
	if err := json.Unmarshal(resp.body, &payload); err != nil || strings.TrimSpace(payload.AccessToken) == "" {
		return domain.AccessToken{}, &domain.GatewayError{
			Kind:       domain.ErrUnexpectedResponseShape,
			Provider:   domain.ProviderPayU,
			Op:         op,
			StatusCode: resp.statusCode,
			Message:    "token response without access_token",
			RawBody:    diagnosticBody(resp.body),
			Err:        err,
		}
	}

	token := domain.AccessToken{
		Value:     payload.AccessToken,
		TokenType: payload.TokenType,
	}
	if payload.ExpiresIn > 0 {
		token.ExpiresAt = c.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return token, nil
}
