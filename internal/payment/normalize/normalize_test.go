package normalize

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/smallbiznis/paysync/internal/payment/domain"
)

func TestClassifyRedirect(t *testing.T) {
	header := http.Header{}
	header.Set("Location", "https://merch-prod.snd.payu.com/pay/?orderId=WZHF5FFDRJ&token=abc")

	result := Classify(http.StatusFound, header, nil)
	if result.Kind != domain.OutcomeRedirect {
		t.Fatalf("expected redirect, got %s", result.Kind)
	}
	if result.RedirectTarget != header.Get("Location") {
		t.Fatalf("unexpected target %q", result.RedirectTarget)
	}
	if result.ProviderOrderID != "WZHF5FFDRJ" {
		t.Fatalf("expected order id from query, got %q", result.ProviderOrderID)
	}
}

func TestClassifyRedirectWithoutLocationIsUnexpected(t *testing.T) {
	result := Classify(http.StatusFound, http.Header{}, []byte("moved"))
	if result.Kind != domain.OutcomeUnexpected {
		t.Fatalf("expected unexpected, got %s", result.Kind)
	}
}

func TestClassifyJSONOrder(t *testing.T) {
	body := []byte(`{"status":{"statusCode":"SUCCESS"},"redirectUri":"https://secure.snd.payu.com/pay/?orderId=ABC","orderId":"ABC","extOrderId":"basic-u1-1"}`)

	result := Classify(http.StatusOK, http.Header{}, body)
	if result.Kind != domain.OutcomeJSONOrder {
		t.Fatalf("expected json order, got %s", result.Kind)
	}
	if result.ProviderOrderID != "ABC" {
		t.Fatalf("unexpected order id %q", result.ProviderOrderID)
	}
	if result.RedirectTarget != "https://secure.snd.payu.com/pay/?orderId=ABC" {
		t.Fatalf("unexpected target %q", result.RedirectTarget)
	}
}

func TestClassifyJSONOrderAlternateField(t *testing.T) {
	body := []byte(`{"orderId":"ABC","redirectUrl":"https://gw.example/pay"}`)
	result := Classify(http.StatusCreated, http.Header{}, body)
	if result.Kind != domain.OutcomeJSONOrder || result.RedirectTarget != "https://gw.example/pay" {
		t.Fatalf("expected json order with redirectUrl, got %+v", result)
	}
}

func TestClassifyJSONWithFailureStatusIsUnexpected(t *testing.T) {
	body := []byte(`{"status":{"statusCode":"ERROR_VALUE_INVALID"},"redirectUri":"https://x"}`)
	result := Classify(http.StatusOK, http.Header{}, body)
	if result.Kind != domain.OutcomeUnexpected {
		t.Fatalf("expected unexpected, got %s", result.Kind)
	}
}

func TestClassifyHTMLPage(t *testing.T) {
	for _, body := range []string{
		"  <!DOCTYPE html><html><head><title>PayU</title></head><body>window.config = {}</body></html>",
		"<html><body>pay</body></html>",
		"\n<!doctype HTML>",
	} {
		result := Classify(http.StatusOK, http.Header{}, []byte(body))
		if result.Kind != domain.OutcomeHTMLPage {
			t.Fatalf("expected html page for %q, got %s", body, result.Kind)
		}
		if string(result.RawBody) != body {
			t.Fatalf("expected raw html to be preserved")
		}
	}
}

func TestClassifyHTMLOnCreatedIsUnexpected(t *testing.T) {
	result := Classify(http.StatusCreated, http.Header{}, []byte("<html></html>"))
	if result.Kind != domain.OutcomeUnexpected {
		t.Fatalf("expected unexpected, got %s", result.Kind)
	}
}

func TestClassifyUnexpectedTruncatesBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 5000)
	result := Classify(http.StatusInternalServerError, http.Header{}, body)
	if result.Kind != domain.OutcomeUnexpected {
		t.Fatalf("expected unexpected, got %s", result.Kind)
	}
	if len(result.RawBody) != MaxDiagnosticBody {
		t.Fatalf("expected body truncated to %d, got %d", MaxDiagnosticBody, len(result.RawBody))
	}
	if result.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status code kept, got %d", result.StatusCode)
	}
}

func TestClassifyGarbageNeverPanics(t *testing.T) {
	inputs := [][]byte{nil, {}, []byte("{"), []byte("null"), []byte("[1,2]"), {0xff, 0xfe}}
	for _, body := range inputs {
		result := Classify(http.StatusOK, nil, body)
		if result.Kind != domain.OutcomeUnexpected {
			t.Fatalf("expected unexpected for %q, got %s", body, result.Kind)
		}
	}
}
