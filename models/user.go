package models

import "time"

const (
	UserRoleAdmin    = "A"
	UserRoleOperator = "O"
)

// User is a portal operator allowed to trigger syncs and reconciliation.
type User struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"uniqueIndex;size:128;not null" json:"username"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Name      string    `gorm:"size:255" json:"name"`
	Role      string    `gorm:"size:8" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
