package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/app"
	"github.com/imovtec/twofactor/internal/handlers"
	"github.com/imovtec/twofactor/internal/middleware"
	"github.com/imovtec/twofactor/internal/services"
)

// Dependencies groups everything the HTTP surface is built from.
type Dependencies struct {
	DB            *gorm.DB
	Config        *app.Config
	TwoFactor     *services.TwoFactorService
	Notifications handlers.TransportReloader
	// IssueLimiter throttles code issuance and VerifyLimiter code
	// submission. When nil they are built from Config.TwoFactor and live as
	// long as the process.
	IssueLimiter  *middleware.RateLimiter
	VerifyLimiter *middleware.RateLimiter
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.TwoFactor == nil {
		return nil, fmt.Errorf("two factor service must be provided")
	}
	if deps.Notifications == nil {
		return nil, fmt.Errorf("notification dispatcher must be provided")
	}
	if deps.IssueLimiter == nil {
		deps.IssueLimiter = middleware.NewRateLimiter(
			deps.Config.TwoFactor.IssueRatePerMinute,
			deps.Config.TwoFactor.IssueBurst,
		)
	}
	if deps.VerifyLimiter == nil {
		deps.VerifyLimiter = middleware.NewRateLimiter(
			deps.Config.TwoFactor.VerifyRatePerMinute,
			deps.Config.TwoFactor.VerifyBurst,
		)
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	registerHealthRoutes(r, deps.DB)

	api := r.Group("/api")
	registerTwoFactorRoutes(api, handlers.NewTwoFactorHandler(deps.TwoFactor),
		deps.Config.Auth.ServiceAPIKey, deps.IssueLimiter, deps.VerifyLimiter)

	admin := api.Group("/admin")
	admin.Use(middleware.RequireAPIKey(deps.Config.Admin.APIKey))
	registerAdminRoutes(admin, handlers.NewAdminHandler(deps.TwoFactor, deps.Notifications))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
