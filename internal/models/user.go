package models

// User is a staff account. Only the columns the second-factor policy reads
// are modelled here; the rest of the account belongs to the host application.
type User struct {
	BaseModel

	Username string  `gorm:"uniqueIndex;not null" json:"username"`
	Email    string  `gorm:"index" json:"email"`
	RoleID   *string `gorm:"size:36;index" json:"role_id"`
	Role     *Role   `gorm:"foreignKey:RoleID" json:"role,omitempty"`

	TwoFactorEnabled bool `gorm:"not null;default:false" json:"two_factor_enabled"`
}
