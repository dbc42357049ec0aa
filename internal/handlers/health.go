package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	appErrors "github.com/imovtec/twofactor/pkg/errors"
	"github.com/imovtec/twofactor/pkg/response"
)

const healthPingTimeout = 2 * time.Second

// Health reports readiness. The database is pinged when one is supplied.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			response.Success(c, http.StatusOK, gin.H{"status": "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(requestContext(c), healthPingTimeout)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			response.Error(c, appErrors.ErrStorageUnavailable.WithInternal(err))
			return
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok", "database": "ok"})
	}
}
