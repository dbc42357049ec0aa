package api

import (
	"github.com/gin-gonic/gin"

	"github.com/imovtec/twofactor/internal/handlers"
)

func registerAdminRoutes(admin *gin.RouterGroup, handler *handlers.AdminHandler) {
	if admin == nil || handler == nil {
		return
	}

	twoFactor := admin.Group("/2fa")
	twoFactor.GET("/stats", handler.Stats)
	twoFactor.PUT("/policy/:kind", handler.SetKindPolicy)
	twoFactor.PATCH("/:kind/:identity", handler.UpdateEnrollment)

	admin.POST("/notifications/reload", handler.ReloadNotifications)
}
