package payu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/normalize"
	"go.uber.org/zap"
)

const (
	SupportedCurrency = "PLN"
	MinimumAmount     = 100

	defaultCustomerIP = "127.0.0.1"
	defaultLanguage   = "pl"
)

type orderRequest struct {
	NotifyURL     string         `json:"notifyUrl"`
	ContinueURL   string         `json:"continueUrl"`
	CustomerIP    string         `json:"customerIp"`
	MerchantPosID string         `json:"merchantPosId"`
	Description   string         `json:"description"`
	CurrencyCode  string         `json:"currencyCode"`
	TotalAmount   string         `json:"totalAmount"`
	ExtOrderID    string         `json:"extOrderId,omitempty"`
	Recurring     string         `json:"recurring,omitempty"`
	Buyer         orderBuyer     `json:"buyer"`
	Products      []orderProduct `json:"products"`
}

type orderBuyer struct {
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Language  string `json:"language"`
}

type orderProduct struct {
	Name      string `json:"name"`
	UnitPrice string `json:"unitPrice"`
	Quantity  string `json:"quantity"`
}

type statusEnvelope struct {
	Status struct {
		StatusCode  string `json:"statusCode"`
		Code        string `json:"code"`
		CodeLiteral string `json:"codeLiteral"`
		StatusDesc  string `json:"statusDesc"`
	} `json:"status"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateOrderRequest, domain.OrderRequest{})
	return v
}

func validateOrderRequest(sl validator.StructLevel) {
	req := sl.Current().Interface().(domain.OrderRequest)
	if !strings.EqualFold(strings.TrimSpace(req.Currency), SupportedCurrency) {
		sl.ReportError(req.Currency, "Currency", "Currency", "currency_pln", "")
	}
	if req.TotalAmount < MinimumAmount {
		sl.ReportError(req.TotalAmount, "TotalAmount", "TotalAmount", "min_amount", "")
	}
}

// Validate runs the local order checks without calling the gateway.
func (c *Client) Validate(req domain.OrderRequest) error {
	if err := c.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return &domain.GatewayError{Kind: domain.ErrValidation, Provider: domain.ProviderPayU, Op: "create_order", Err: err}
		}
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, strings.TrimPrefix(fe.Namespace(), "OrderRequest.")+":"+fe.Tag())
		}
		return &domain.GatewayError{
			Kind:     domain.ErrValidation,
			Provider: domain.ProviderPayU,
			Op:       "create_order",
			Message:  "order request rejected locally",
			Fields:   fields,
		}
	}
	return nil
}

func (c *Client) buildOrder(req domain.OrderRequest) orderRequest {
	customerIP := strings.TrimSpace(req.CustomerIP)
	if customerIP == "" {
		customerIP = defaultCustomerIP
	}
	language := strings.TrimSpace(req.Buyer.Language)
	if language == "" {
		language = defaultLanguage
	}

	body := orderRequest{
		NotifyURL:     c.cfg.NotifyURL,
		ContinueURL:   c.cfg.ContinueURL,
		CustomerIP:    customerIP,
		MerchantPosID: c.cfg.PosID,
		Description:   req.Description,
		CurrencyCode:  strings.ToUpper(req.Currency),
		TotalAmount:   strconv.FormatInt(req.TotalAmount, 10),
		ExtOrderID:    req.ExternalOrderID,
		Buyer: orderBuyer{
			Email:     req.Buyer.Email,
			Phone:     req.Buyer.Phone,
			FirstName: req.Buyer.FirstName,
			LastName:  req.Buyer.LastName,
			Language:  language,
		},
		Products: make([]orderProduct, 0, len(req.Products)),
	}
	if req.Recurring {
		body.Recurring = "FIRST"
	}
	for _, p := range req.Products {
		body.Products = append(body.Products, orderProduct{
			Name:      p.Name,
			UnitPrice: strconv.FormatInt(p.UnitPrice, 10),
			Quantity:  strconv.FormatInt(p.Quantity, 10),
		})
	}
	return body
}

func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.GatewayOrderResult, error) {
	if err := c.checkConfig("create_order"); err != nil {
		return domain.GatewayOrderResult{}, err
	}
	if err := c.Validate(req); err != nil {
		return domain.GatewayOrderResult{}, err
	}

	payload, err := json.Marshal(c.buildOrder(req))
	if err != nil {
		return domain.GatewayOrderResult{}, &domain.GatewayError{Kind: domain.ErrValidation, Provider: domain.ProviderPayU, Op: "create_order", Err: err}
	}
	return c.submitOrder(ctx, "create_order", payload)
}

// ReplayOrder resends a previously built order body with a fresh token. It
// backs the hosted payment page for HTML outcomes.
func (c *Client) ReplayOrder(ctx context.Context, requestBody []byte) (domain.GatewayOrderResult, error) {
	if err := c.checkConfig("replay_order"); err != nil {
		return domain.GatewayOrderResult{}, err
	}
	if !json.Valid(requestBody) {
		return domain.GatewayOrderResult{}, &domain.GatewayError{
			Kind:     domain.ErrValidation,
			Provider: domain.ProviderPayU,
			Op:       "replay_order",
			Message:  "stored request body is not json",
		}
	}
	return c.submitOrder(ctx, "replay_order", requestBody)
}

func (c *Client) submitOrder(ctx context.Context, op string, payload []byte) (domain.GatewayOrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, createOrderTimeout)
	defer cancel()

	resp, err := c.doAuthorized(ctx, op, http.MethodPost, ordersPath, payload)
	if err != nil {
		return domain.GatewayOrderResult{}, err
	}

	switch {
	case resp.statusCode >= 500, resp.statusCode == http.StatusTooManyRequests:
		return domain.GatewayOrderResult{}, statusError(op, resp)
	case resp.statusCode == http.StatusBadRequest:
		return domain.GatewayOrderResult{}, orderRejected(op, resp)
	}

	result := normalize.Classify(resp.statusCode, resp.header, resp.body)
	result.RequestBody = payload
	if result.Kind == domain.OutcomeUnexpected {
		c.log.Error("unexpected order response shape",
			zap.String("operation", op),
			zap.Int("status_code", resp.statusCode),
			zap.Any("headers", resp.header),
			zap.ByteString("body", result.RawBody),
		)
		return result, &domain.GatewayError{
			Kind:       domain.ErrUnexpectedResponseShape,
			Provider:   domain.ProviderPayU,
			Op:         op,
			StatusCode: resp.statusCode,
			RawBody:    string(result.RawBody),
		}
	}

	c.log.Info("order created",
		zap.String("operation", op),
		zap.String("outcome", string(result.Kind)),
		zap.String("provider_order_id", result.ProviderOrderID),
	)
	return result, nil
}

func orderRejected(op string, resp rawResponse) error {
	var envelope statusEnvelope
	_ = json.Unmarshal(resp.body, &envelope)

	gwErr := &domain.GatewayError{
		Kind:       domain.ErrUnexpectedResponseShape,
		Provider:   domain.ProviderPayU,
		Op:         op,
		StatusCode: resp.statusCode,
		Code:       envelope.Status.StatusCode,
		Message:    envelope.Status.StatusDesc,
		RawBody:    diagnosticBody(resp.body),
	}
	switch envelope.Status.StatusCode {
	case "ERROR_VALUE_INVALID", "ERROR_VALUE_MISSING":
		gwErr.Kind = domain.ErrValidation
		if envelope.Status.CodeLiteral != "" {
			gwErr.Fields = []string{envelope.Status.CodeLiteral}
		}
	case "ERROR_ORDER_NOT_UNIQUE":
		gwErr.Kind = domain.ErrValidation
		gwErr.Code = "order_not_unique"
	}
	return gwErr
}
