// Package signature authenticates PayU webhook payloads with HMAC-SHA256 over
// the raw request body, and holds the errors every gateway maps its
// verification failures to.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing_signature")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrSignatureExpired = errors.New("signature_expired")
)

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature over rawBody. An empty header is reported as
// ErrMissingSignature so callers can decide whether to tolerate it.
func Verify(rawBody []byte, header string, secret string) error {
	provided := strings.ToLower(strings.TrimSpace(header))
	if provided == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(provided), []byte(Sign(rawBody, secret))) {
		return ErrInvalidSignature
	}
	return nil
}

// PayUHeader is the parsed form of an OpenPayu-Signature header.
type PayUHeader struct {
	Sender    string
	Signature string
	Algorithm string
	Content   string
}

// ParsePayUHeader reads "sender=..;signature=..;algorithm=..;content=..".
// A bare hex value is treated as the signature itself.
func ParsePayUHeader(header string) (PayUHeader, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return PayUHeader{}, ErrMissingSignature
	}
	if !strings.Contains(header, "=") {
		return PayUHeader{Signature: header, Algorithm: "SHA-256"}, nil
	}

	var parsed PayUHeader
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "sender":
			parsed.Sender = value
		case "signature":
			parsed.Signature = value
		case "algorithm":
			parsed.Algorithm = strings.ToUpper(value)
		case "content":
			parsed.Content = value
		}
	}
	if parsed.Signature == "" {
		return PayUHeader{}, ErrMissingSignature
	}
	if parsed.Algorithm == "" {
		parsed.Algorithm = "SHA-256"
	}
	if parsed.Algorithm != "SHA-256" && parsed.Algorithm != "SHA256" {
		return PayUHeader{}, ErrInvalidSignature
	}
	return parsed, nil
}

// VerifyPayU checks an OpenPayu-Signature header against rawBody.
func VerifyPayU(rawBody []byte, header string, secret string) error {
	parsed, err := ParsePayUHeader(header)
	if err != nil {
		return err
	}
	return Verify(rawBody, parsed.Signature, secret)
}
