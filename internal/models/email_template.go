package models

import "gorm.io/datatypes"

// EmailTemplate is a named notification template. Placeholders use the
// {{name}} syntax in Subject, HTMLContent and TextContent.
type EmailTemplate struct {
	BaseModel

	Name        string         `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Subject     string         `gorm:"not null" json:"subject"`
	HTMLContent string         `gorm:"type:text" json:"html_content"`
	TextContent string         `gorm:"type:text" json:"text_content"`
	Variables   datatypes.JSON `json:"variables"`
	IsActive    bool           `gorm:"not null;default:false;index" json:"is_active"`
}

// Names of the verification code templates. The primary template is tried
// first; the fallback is also available as a built-in when the table is empty.
const (
	TemplateTwoFactorCode         = "2fa-code"
	TemplateTwoFactorVerification = "2fa_verification"
)
