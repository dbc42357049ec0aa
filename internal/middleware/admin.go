package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/imovtec/twofactor/pkg/crypto"
	apperrors "github.com/imovtec/twofactor/pkg/errors"
	"github.com/imovtec/twofactor/pkg/response"
)

// HeaderAPIKey is the header administrative callers authenticate with.
const HeaderAPIKey = "X-API-Key"

// RequireAPIKey rejects requests whose X-API-Key does not match key. An empty
// key locks the group entirely.
func RequireAPIKey(key string) gin.HandlerFunc {
	key = strings.TrimSpace(key)
	return func(c *gin.Context) {
		provided := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		if key == "" || provided == "" || !crypto.ConstantTimeEqual(provided, key) {
			response.Error(c, apperrors.ErrUnauthorized)
			return
		}
		c.Next()
	}
}
