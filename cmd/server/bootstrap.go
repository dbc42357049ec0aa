package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/api"
	"github.com/imovtec/twofactor/internal/app"
	"github.com/imovtec/twofactor/internal/app/maintenance"
	"github.com/imovtec/twofactor/internal/database"
	"github.com/imovtec/twofactor/internal/middleware"
	"github.com/imovtec/twofactor/internal/notifications"
	"github.com/imovtec/twofactor/internal/services"
	"github.com/imovtec/twofactor/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Dispatcher *notifications.Dispatcher
	TwoFactor  *services.TwoFactorService
	Cleaner    *maintenance.Cleaner
	Limiters   []*middleware.RateLimiter
	Router     *gin.Engine
}

// bootstrapRuntime opens the database, builds the dispatcher and engine,
// starts the maintenance jobs and assembles the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Dispatcher, err = notifications.NewDispatcher(stack.DB, cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise notification dispatcher: %w", err)
	}
	if err := stack.Dispatcher.Reload(ctx); err != nil {
		if errors.Is(err, notifications.ErrConfigurationMissing) {
			log.Info("no stored email settings; using configured SMTP transport")
		} else {
			log.Warn("stored email settings unusable; using configured SMTP transport", zap.Error(err))
		}
	}

	store, err := services.NewTwoFactorStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise two factor store: %w", err)
	}

	stack.TwoFactor, err = services.NewTwoFactorService(store, stack.Dispatcher,
		services.WithCodeTTL(cfg.TwoFactor.CodeTTL),
		services.WithCodeTemplates(cfg.TwoFactor.PrimaryTemplate, cfg.TwoFactor.FallbackTemplate),
		services.WithBackupCodeCount(cfg.TwoFactor.BackupCodeCount),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise two factor service: %w", err)
	}

	stack.Cleaner = maintenance.NewCleaner(stack.TwoFactor, stack.Dispatcher,
		maintenance.WithAuditPruner(stack.TwoFactor),
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithPurgeSchedule(cfg.Maintenance.PurgeSchedule),
		maintenance.WithReloadSchedule(cfg.Maintenance.ReloadSchedule),
		maintenance.WithAuditSchedule(cfg.Maintenance.AuditSchedule),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	issueLimiter := middleware.NewRateLimiter(cfg.TwoFactor.IssueRatePerMinute, cfg.TwoFactor.IssueBurst)
	verifyLimiter := middleware.NewRateLimiter(cfg.TwoFactor.VerifyRatePerMinute, cfg.TwoFactor.VerifyBurst)
	stack.Limiters = append(stack.Limiters, issueLimiter, verifyLimiter)

	stack.Router, err = api.NewRouter(api.Dependencies{
		DB:            stack.DB,
		Config:        cfg,
		TwoFactor:     stack.TwoFactor,
		Notifications: stack.Dispatcher,
		IssueLimiter:  issueLimiter,
		VerifyLimiter: verifyLimiter,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	for _, limiter := range s.Limiters {
		limiter.Close()
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver:          strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:            strings.TrimSpace(cfg.Database.Path),
		DSN:             strings.TrimSpace(cfg.Database.DSN),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	var auth app.DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite", "sqlite3":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = cfg.Database.Postgres
	case "mysql", "mariadb":
		dbCfg.Driver = "mysql"
		auth = cfg.Database.MySQL
	default:
		// surfaced as an unsupported driver by database.Open
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = auth.Password
	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if err := database.Close(db); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
