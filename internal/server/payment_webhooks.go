package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(provider paymentdomain.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("provider", string(provider))
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}

		outcome, err := s.webhookSvc.IngestWebhook(c.Request.Context(), string(provider), payload, c.Request.Header)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"outcome": string(outcome.Kind),
		})
	}
}
