package models

import "time"

// VerificationCode is a single issued one-time code. Validity is never stored:
// a row is usable while Consumed is false and the current time is before
// ExpiresAt. Consumed only ever flips from false to true.
type VerificationCode struct {
	BaseModel

	PrincipalID   string     `gorm:"size:64;not null;index:idx_two_factor_codes_lookup,priority:1" json:"principal_id"`
	PrincipalKind string     `gorm:"size:16;not null;index:idx_two_factor_codes_lookup,priority:2" json:"principal_kind"`
	Code          string     `gorm:"size:6;not null;index:idx_two_factor_codes_lookup,priority:3" json:"-"`
	Method        string     `gorm:"size:16;not null" json:"method"`
	IssuedAt      time.Time  `gorm:"not null;index" json:"issued_at"`
	ExpiresAt     time.Time  `gorm:"not null;index" json:"expires_at"`
	Consumed      bool       `gorm:"not null;default:false" json:"consumed"`
	ConsumedAt    *time.Time `json:"consumed_at"`
	IPAddress     string     `gorm:"size:64" json:"ip_address"`
	UserAgent     string     `gorm:"size:512" json:"user_agent"`
}

func (VerificationCode) TableName() string { return "two_factor_codes" }
