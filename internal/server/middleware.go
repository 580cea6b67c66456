package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/paysync/internal/observability/context"
)

const (
	HeaderUserID     = "X-User-Id"
	contextUserIDKey = "user_id"
)

// UserRequired reads the caller identity set by the upstream auth proxy.
func UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}
