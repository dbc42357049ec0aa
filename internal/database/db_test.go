package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/models"
)

func TestOpenSQLiteMemory(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Exec("SELECT 1").Error)
}

func TestOpenSQLiteFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "twofactor.db")
	db, err := Open(Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.Exec("SELECT 1").Error)
	require.FileExists(t, path)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.ErrorContains(t, err, "unsupported database driver")
}

func TestAutoMigrateAndSeedData(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrateAndSeed(db))

	var admin models.Role
	require.NoError(t, db.First(&admin, "id = ?", "administrator").Error)
	require.True(t, admin.RequiresTwoFactor)

	var templates []models.EmailTemplate
	require.NoError(t, db.Order("name").Find(&templates).Error)
	require.Len(t, templates, 2)
	require.Equal(t, models.TemplateTwoFactorCode, templates[0].Name)
	require.Equal(t, models.TemplateTwoFactorVerification, templates[1].Name)
	for _, tpl := range templates {
		require.True(t, tpl.IsActive)
		require.Contains(t, tpl.HTMLContent, "{{code}}")
		require.Contains(t, tpl.TextContent, "{{expiration_minutes}}")
	}
}

func TestSeedDataKeepsOperatorEdits(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrateAndSeed(db))

	require.NoError(t, db.Model(&models.EmailTemplate{}).
		Where("name = ?", models.TemplateTwoFactorCode).
		Update("subject", "Custom subject").Error)

	require.NoError(t, SeedData(db))

	var tpl models.EmailTemplate
	require.NoError(t, db.First(&tpl, "name = ?", models.TemplateTwoFactorCode).Error)
	require.Equal(t, "Custom subject", tpl.Subject)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite", DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}
