package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/models"
)

const twoFactorPolicyPrefix = "two_factor.required."

// TwoFactorPolicyKey returns the setting key holding the mandatory second
// factor flag for a principal kind.
func TwoFactorPolicyKey(kind string) string {
	return twoFactorPolicyPrefix + strings.ToLower(strings.TrimSpace(kind))
}

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}
	if strings.TrimSpace(key) == "" {
		return "", nil
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Where(&models.SystemSetting{Key: key}).Take(&setting).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// GetBoolSetting parses a stored setting as a boolean. Missing or malformed
// values read as false.
func GetBoolSetting(ctx context.Context, db *gorm.DB, key string) (bool, error) {
	raw, err := GetSystemSetting(ctx, db, key)
	if err != nil {
		return false, err
	}
	value, parseErr := strconv.ParseBool(strings.TrimSpace(raw))
	if parseErr != nil {
		return false, nil
	}
	return value, nil
}

// UpsertSystemSetting stores or updates a system setting value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{Key: key, Value: value}
	if err := db.WithContext(ctx).
		Where(&models.SystemSetting{Key: key}).
		Assign(map[string]any{"value": value}).
		FirstOrCreate(&record).Error; err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}
	return nil
}
