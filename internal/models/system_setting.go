package models

import "time"

// SystemSetting persists installation-wide key/value settings such as the
// per-kind second factor policy.
type SystemSetting struct {
	Key       string    `gorm:"primaryKey;size:191"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
