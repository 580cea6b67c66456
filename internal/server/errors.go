package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/signature"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	// provider-side rejection of the order data
	if errors.Is(err, paymentdomain.ErrValidation) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "order rejected by payment provider",
			Errors:  gatewayFieldErrors(err),
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrMissingUser):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isSignatureError(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature rejected",
		}
	case errors.Is(err, paymentdomain.ErrActiveSubscriptionExists):
		return http.StatusConflict, errorPayload{
			Type:    "active_subscription_exists",
			Message: "user already has an active subscription",
		}
	case errors.Is(err, paymentdomain.ErrPortalUnavailable):
		return http.StatusConflict, errorPayload{
			Type:    "portal_unavailable",
			Message: "billing portal is not available for this subscription",
		}
	case errors.Is(err, paymentdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many checkout attempts",
		}
	case errors.Is(err, paymentdomain.ErrPageExpired):
		return http.StatusGone, errorPayload{
			Type:    "payment_page_expired",
			Message: "payment page expired",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrTransientGateway):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "gateway_unavailable",
			Message: "payment provider temporarily unavailable",
		}
	case errors.Is(err, paymentdomain.ErrUnexpectedResponseShape):
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_unexpected_response",
			Message: "unexpected payment provider response",
		}
	case errors.Is(err, paymentdomain.ErrAuthentication),
		errors.Is(err, paymentdomain.ErrConfiguration):
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_error",
			Message: "payment provider error",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrUnknownPlan),
		errors.Is(err, paymentdomain.ErrInvalidBillingCycle),
		errors.Is(err, paymentdomain.ErrInvalidAmount):
		return true
	default:
		return false
	}
}

func isSignatureError(err error) bool {
	return errors.Is(err, signature.ErrInvalidSignature) ||
		errors.Is(err, signature.ErrMissingSignature) ||
		errors.Is(err, signature.ErrSignatureExpired)
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrOrderNotFound),
		errors.Is(err, paymentdomain.ErrPageNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		paymentdomain.ErrInvalidPayload,
		paymentdomain.ErrInvalidProvider,
		paymentdomain.ErrProviderNotFound,
		paymentdomain.ErrUnknownPlan,
		paymentdomain.ErrInvalidBillingCycle,
		paymentdomain.ErrInvalidAmount,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request", "invalid_payload":
		return "request"
	case "invalid_provider", "provider_not_found":
		return "provider"
	case "unknown_plan":
		return "plan_id"
	case "invalid_billing_cycle":
		return "billing_cycle"
	case "invalid_amount":
		return "amount"
	}
	return strings.TrimPrefix(code, "invalid_")
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request", "invalid_payload":
		return "invalid request"
	case "provider_not_found":
		return "payment provider is not available"
	case "unknown_plan":
		return "unknown or disabled plan"
	default:
		return "invalid value"
	}
}

func gatewayFieldErrors(err error) []ValidationError {
	var gwErr *paymentdomain.GatewayError
	if !errors.As(err, &gwErr) || len(gwErr.Fields) == 0 {
		return nil
	}
	out := make([]ValidationError, 0, len(gwErr.Fields))
	for _, field := range gwErr.Fields {
		out = append(out, ValidationError{
			Field:   field,
			Code:    strings.ToLower(gwErr.Code),
			Message: "rejected by payment provider",
		})
	}
	return out
}

// classifyErrorForLog returns the response type and a bounded error code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if kind := paymentdomain.KindOf(err); kind != nil {
		code = paymentdomain.KindLabel(err)
	}
	return payload.Type, code
}
