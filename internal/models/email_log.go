package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Delivery outcomes stored on EmailLog.Status.
const (
	EmailLogStatusSuccess = "success"
	EmailLogStatusError   = "error"
)

// EmailLog records one notification send attempt.
type EmailLog struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	TemplateName   string    `gorm:"size:128;not null;index" json:"template_name"`
	RecipientEmail string    `gorm:"size:255;not null;index" json:"recipient_email"`
	Status         string    `gorm:"size:16;not null" json:"status"`
	Transport      string    `gorm:"size:16" json:"transport"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	SentAt         time.Time `gorm:"not null;index" json:"sent_at"`
}

func (EmailLog) TableName() string { return "email_logs" }

func (l *EmailLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
