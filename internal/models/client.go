package models

// Client is a customer account of the back office.
type Client struct {
	BaseModel

	Name             string `gorm:"not null" json:"name"`
	Email            string `gorm:"index" json:"email"`
	TwoFactorEnabled bool   `gorm:"not null;default:false" json:"two_factor_enabled"`
}
