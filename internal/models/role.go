package models

// Role groups staff accounts. RequiresTwoFactor forces a second factor on
// every member regardless of their personal setting.
type Role struct {
	BaseModel

	Name              string `gorm:"uniqueIndex;not null" json:"name"`
	Description       string `json:"description"`
	RequiresTwoFactor bool   `gorm:"not null;default:false" json:"requires_two_factor"`
}
