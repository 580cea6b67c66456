package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/paysync/internal/payment/checkout"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
)

const (
	defaultOrderPage = 20
	maxOrderPage     = 100
)

type checkoutRequest struct {
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
	Amount       int64  `json:"amount"`
	Provider     string `json:"provider"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Recurring    *bool  `json:"recurring"`
}

type checkoutResponse struct {
	OrderID     string `json:"order_id"`
	ExtOrderID  string `json:"ext_order_id"`
	RedirectURL string `json:"redirect_url"`
	Outcome     string `json:"outcome"`
}

type orderResponse struct {
	OrderID         string     `json:"order_id"`
	ExtOrderID      string     `json:"ext_order_id"`
	Provider        string     `json:"provider"`
	ProviderOrderID string     `json:"provider_order_id,omitempty"`
	Status          string     `json:"status"`
	PlanID          string     `json:"plan_id"`
	BillingCycle    string     `json:"billing_cycle"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	RedirectURL     string     `json:"redirect_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) HandleCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = string(paymentdomain.ProviderPayU)
	}
	recurring := true
	if req.Recurring != nil {
		recurring = *req.Recurring
	}

	result, err := s.checkoutSvc.Start(c.Request.Context(), checkout.CheckoutRequest{
		UserID:        userIDFromContext(c),
		PlanID:        req.PlanID,
		BillingCycle:  paymentdomain.BillingCycle(req.BillingCycle),
		Amount:        req.Amount,
		Provider:      paymentdomain.Provider(provider),
		CustomerEmail: req.Email,
		CustomerName:  req.Name,
		CustomerIP:    c.ClientIP(),
		Recurring:     recurring,
	})
	if err != nil {
		var limited *checkout.RateLimitedError
		if errors.As(err, &limited) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, checkoutResponse{
		OrderID:     result.OrderID.String(),
		ExtOrderID:  result.ExternalOrderID,
		RedirectURL: result.RedirectURL,
		Outcome:     string(result.Outcome),
	})
}

func (s *Server) HandlePaymentPage(c *gin.Context) {
	page, err := s.checkoutSvc.RenderPage(c.Request.Context(), c.Param("token"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if page.RedirectURL != "" {
		c.Redirect(http.StatusFound, page.RedirectURL)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", page.HTML)
}

// HandleGetOrder returns one order to its owner. refresh=true asks the
// provider first when the order is still pending.
func (s *Server) HandleGetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	order, err := s.paymentRepo.FindByExternalID(ctx, s.db, c.Param("ext_order_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if order.UserID != userIDFromContext(c) {
		AbortWithError(c, ErrNotFound)
		return
	}

	if c.Query("refresh") == "true" && order.Status == paymentdomain.StatusPending {
		if _, err := s.reconciler.Reconcile(ctx, *order); err != nil {
			AbortWithError(c, err)
			return
		}
		order, err = s.paymentRepo.FindByID(ctx, s.db, order.ID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, toOrderResponse(*order))
}

// HandleListOrders returns the caller's payment history, newest first.
func (s *Server) HandleListOrders(c *gin.Context) {
	limit := defaultOrderPage
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxOrderPage)
	}

	orders, err := s.paymentRepo.ListByUser(c.Request.Context(), s.db, userIDFromContext(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, toOrderResponse(order))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func toOrderResponse(order paymentdomain.Order) orderResponse {
	return orderResponse{
		OrderID:         order.ID.String(),
		ExtOrderID:      order.ExternalOrderID,
		Provider:        string(order.Provider),
		ProviderOrderID: order.ProviderOrderIDValue(),
		Status:          string(order.Status),
		PlanID:          order.PlanID,
		BillingCycle:    string(order.BillingCycle),
		Amount:          order.Amount,
		Currency:        order.Currency,
		RedirectURL:     order.RedirectURL,
		CreatedAt:       order.CreatedAt,
		CompletedAt:     order.CompletedAt,
	}
}

func (s *Server) HandleBillingPortal(c *gin.Context) {
	url, err := s.checkoutSvc.OpenBillingPortal(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) HandleCurrentSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetActive(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription": sub,
		"in_trial":     sub.InTrial(s.clock.Now()),
	})
}
