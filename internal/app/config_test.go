package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "console", cfg.Server.LogFormat)
	require.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)
	require.Equal(t, 20, cfg.Database.MaxOpenConns)
	require.Equal(t, time.Hour, cfg.Database.ConnMaxLifetime)

	smtp := cfg.Email.SMTPSettings()
	require.True(t, smtp.Enabled)
	require.Equal(t, "smtp.example.com", smtp.Host)
	require.Equal(t, 465, smtp.Port)
	require.Equal(t, "Imovtec", smtp.FromName)
	require.True(t, smtp.UseTLS)
	require.Equal(t, 20*time.Second, smtp.Timeout)

	require.Equal(t, 5*time.Minute, cfg.TwoFactor.CodeTTL)
	require.Equal(t, 8, cfg.TwoFactor.BackupCodeCount)
	require.Equal(t, "2fa-code", cfg.TwoFactor.PrimaryTemplate)
	require.Equal(t, "2fa_verification", cfg.TwoFactor.FallbackTemplate)
	require.InDelta(t, 2.0, cfg.TwoFactor.IssueRatePerMinute, 0.0001)
	require.Equal(t, 1, cfg.TwoFactor.IssueBurst)
	require.InDelta(t, 6.0, cfg.TwoFactor.VerifyRatePerMinute, 0.0001)
	require.Equal(t, 2, cfg.TwoFactor.VerifyBurst)

	require.Equal(t, "login-flow-key", cfg.Auth.ServiceAPIKey)
	require.Equal(t, "admin-key", cfg.Admin.APIKey)
	require.Equal(t, "@hourly", cfg.Maintenance.PurgeSchedule)
	require.Equal(t, "@every 5m", cfg.Maintenance.ReloadSchedule)
	require.Equal(t, 30, cfg.Maintenance.AuditRetentionDays)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 10*time.Minute, cfg.TwoFactor.CodeTTL)
	require.Equal(t, 10, cfg.TwoFactor.BackupCodeCount)
	require.False(t, cfg.Email.SMTP.Enabled)
	require.Equal(t, 10*time.Second, cfg.Email.SMTP.Timeout)
	require.Equal(t, "@every 15m", cfg.Maintenance.PurgeSchedule)
	require.Zero(t, cfg.Maintenance.AuditRetentionDays, "audit pruning is opt-in")
	require.InDelta(t, 10.0, cfg.TwoFactor.VerifyRatePerMinute, 0.0001)
	require.Equal(t, 5, cfg.TwoFactor.VerifyBurst)
	require.Empty(t, cfg.Auth.ServiceAPIKey)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TWOFACTOR_SERVER_PORT", "7070")
	t.Setenv("TWOFACTOR_TWO_FACTOR_CODE_TTL", "90s")
	t.Setenv("TWOFACTOR_ADMIN_API_KEY", "from-env")
	t.Setenv("TWOFACTOR_AUTH_SERVICE_API_KEY", "service-from-env")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 90*time.Second, cfg.TwoFactor.CodeTTL)
	require.Equal(t, "from-env", cfg.Admin.APIKey)
	require.Equal(t, "service-from-env", cfg.Auth.ServiceAPIKey)
}
