package models

import (
	"time"

	"gorm.io/datatypes"
)

// TwoFactorConfig is the per-principal, per-method second factor setting.
// Rows are disabled rather than deleted.
type TwoFactorConfig struct {
	BaseModel

	PrincipalID   string `gorm:"size:64;not null;uniqueIndex:idx_two_factor_config_principal_method,priority:1" json:"principal_id"`
	PrincipalKind string `gorm:"size:16;not null;uniqueIndex:idx_two_factor_config_principal_method,priority:2" json:"principal_kind"`
	Method        string `gorm:"size:16;not null;uniqueIndex:idx_two_factor_config_principal_method,priority:3" json:"method"`
	Enabled       bool   `gorm:"not null;default:false" json:"enabled"`
	Contact       string `json:"contact"`

	// BackupCodes holds a JSON array of bcrypt hashes.
	BackupCodes   datatypes.JSON `json:"-"`
	BackupVersion int            `gorm:"not null;default:0" json:"-"`
	LastUsedAt    *time.Time     `json:"last_used_at"`
}

func (TwoFactorConfig) TableName() string { return "two_factor_configs" }
