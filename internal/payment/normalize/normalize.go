// Package normalize classifies raw gateway order-creation responses into a
// single GatewayOrderResult.
package normalize

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
)

// MaxDiagnosticBody bounds the raw body kept on an unexpected outcome.
const MaxDiagnosticBody = 2 << 10

type orderEnvelope struct {
	OrderID     string `json:"orderId"`
	ExtOrderID  string `json:"extOrderId"`
	RedirectURI string `json:"redirectUri"`
	RedirectURL string `json:"redirectUrl"`
	URL         string `json:"url"`
	Status      *struct {
		StatusCode string `json:"statusCode"`
		StatusDesc string `json:"statusDesc"`
	} `json:"status"`
}

func (e orderEnvelope) redirectTarget() string {
	for _, candidate := range []string{e.RedirectURI, e.RedirectURL, e.URL} {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

// Classify never fails: anything it cannot recognise is OutcomeUnexpected.
func Classify(statusCode int, header http.Header, body []byte) domain.GatewayOrderResult {
	switch statusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		location := strings.TrimSpace(header.Get("Location"))
		if location != "" {
			return domain.GatewayOrderResult{
				Kind:            domain.OutcomeRedirect,
				ProviderOrderID: orderIDFromLocation(location),
				RedirectTarget:  location,
				StatusCode:      statusCode,
				RawBody:         truncate(body),
			}
		}
	case http.StatusOK, http.StatusCreated:
		if result, ok := classifyJSON(statusCode, body); ok {
			return result
		}
		if statusCode == http.StatusOK && IsHTMLDocument(body) {
			return domain.GatewayOrderResult{
				Kind:       domain.OutcomeHTMLPage,
				StatusCode: statusCode,
				RawBody:    body,
			}
		}
	}
	return Unexpected(statusCode, body)
}

func Unexpected(statusCode int, body []byte) domain.GatewayOrderResult {
	return domain.GatewayOrderResult{
		Kind:       domain.OutcomeUnexpected,
		StatusCode: statusCode,
		RawBody:    truncate(body),
	}
}

func classifyJSON(statusCode int, body []byte) (domain.GatewayOrderResult, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.GatewayOrderResult{}, false
	}
	var envelope orderEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return domain.GatewayOrderResult{}, false
	}
	if envelope.Status != nil {
		code := strings.TrimSpace(envelope.Status.StatusCode)
		if code != "" && !strings.EqualFold(code, "SUCCESS") {
			return Unexpected(statusCode, body), true
		}
	}
	target := envelope.redirectTarget()
	if target == "" {
		return Unexpected(statusCode, body), true
	}
	return domain.GatewayOrderResult{
		Kind:            domain.OutcomeJSONOrder,
		ProviderOrderID: strings.TrimSpace(envelope.OrderID),
		RedirectTarget:  target,
		StatusCode:      statusCode,
		RawBody:         body,
	}, true
}

// IsHTMLDocument reports whether body starts with an HTML document marker.
func IsHTMLDocument(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 64 {
		trimmed = trimmed[:64]
	}
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html"))
}

func orderIDFromLocation(location string) string {
	parsed, err := url.Parse(location)
	if err != nil {
		return ""
	}
	query := parsed.Query()
	for _, key := range []string{"orderId", "orderid", "order_id"} {
		if value := strings.TrimSpace(query.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

func truncate(body []byte) []byte {
	if len(body) <= MaxDiagnosticBody {
		return body
	}
	return body[:MaxDiagnosticBody]
}
