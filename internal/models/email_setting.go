package models

// EmailSetting is the stored SMTP transport configuration. At most one row is
// expected to be active; the newest active row wins otherwise.
type EmailSetting struct {
	BaseModel

	SMTPHost     string `gorm:"column:smtp_host;not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"column:smtp_port;not null" json:"smtp_port"`
	SMTPUsername string `gorm:"column:smtp_username" json:"smtp_username"`
	SMTPPassword string `gorm:"column:smtp_password" json:"-"`
	UseTLS       bool   `gorm:"column:use_tls;not null;default:false" json:"use_tls"`
	FromEmail    string `gorm:"not null" json:"from_email"`
	FromName     string `json:"from_name"`
	IsActive     bool   `gorm:"not null;default:false;index" json:"is_active"`
}
