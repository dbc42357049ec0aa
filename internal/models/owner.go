package models

// Owner is a property owner account.
type Owner struct {
	BaseModel

	Name             string `gorm:"not null" json:"name"`
	Email            string `gorm:"index" json:"email"`
	TwoFactorEnabled bool   `gorm:"not null;default:false" json:"two_factor_enabled"`
}
