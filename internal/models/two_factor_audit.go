package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actions recorded for the second factor lifecycle.
const (
	AuditActionCodeSent          = "code_sent"
	AuditActionCodeSendFailed    = "code_send_failed"
	AuditActionValidationSuccess = "validation_success"
	AuditActionValidationFailed  = "validation_failed"
	AuditActionEnabled           = "enabled"
	AuditActionDisabled          = "disabled"
	AuditActionBackupCodeUsed    = "backup_code_used"
)

// TwoFactorAudit is an append-only record of a second factor event.
type TwoFactorAudit struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	PrincipalID   string         `gorm:"size:64;not null;index:idx_two_factor_audit_principal,priority:1" json:"principal_id"`
	PrincipalKind string         `gorm:"size:16;not null;index:idx_two_factor_audit_principal,priority:2" json:"principal_kind"`
	Action        string         `gorm:"size:32;not null;index" json:"action"`
	Method        string         `gorm:"size:16" json:"method"`
	Metadata      datatypes.JSON `json:"metadata"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
}

func (TwoFactorAudit) TableName() string { return "two_factor_audit_logs" }

func (a *TwoFactorAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
