package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/handlers"
)

func registerHealthRoutes(r *gin.Engine, db *gorm.DB) {
	r.GET("/health", handlers.Health(db))
	r.GET("/api/health", handlers.Health(db))
}
