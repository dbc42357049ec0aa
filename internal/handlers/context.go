package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/imovtec/twofactor/internal/services"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// requestOrigin captures where an issuance request came from for the audit trail.
func requestOrigin(c *gin.Context) services.Origin {
	origin := services.Origin{IPAddress: c.ClientIP()}
	if c.Request != nil {
		origin.UserAgent = c.Request.UserAgent()
	}
	return origin
}
