package api

import (
	"github.com/gin-gonic/gin"

	"github.com/imovtec/twofactor/internal/handlers"
	"github.com/imovtec/twofactor/internal/middleware"
)

// registerTwoFactorRoutes mounts the login-flow endpoints behind the service
// key. Issuance and code submission each get their own token bucket.
func registerTwoFactorRoutes(api *gin.RouterGroup, handler *handlers.TwoFactorHandler, serviceKey string, issue, verify *middleware.RateLimiter) {
	if api == nil || handler == nil {
		return
	}

	group := api.Group("/auth/2fa")
	group.Use(middleware.RequireAPIKey(serviceKey))

	group.POST("/status", handler.Status)
	group.POST("/send", limited(issue, handler.Send)...)
	group.POST("/verify", limited(verify, handler.Verify)...)
	group.POST("/backup", limited(verify, handler.RedeemBackup)...)
}

func limited(limiter *middleware.RateLimiter, handler gin.HandlerFunc) []gin.HandlerFunc {
	if limiter == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{limiter.Middleware(), handler}
}
