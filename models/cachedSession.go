package models

import "time"

// CachedSession is one ERP session cookie shared across invocations.
// At most one row per tenant should be valid and unexpired at a time;
// rows are marked invalid rather than deleted so auth history survives.
type CachedSession struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	TenantKey     string    `gorm:"index;size:64;not null" json:"tenant_key"`
	SessionCookie string    `gorm:"type:text;not null" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt     time.Time `gorm:"index;not null" json:"expires_at"`
	LastUsedAt    time.Time `json:"last_used_at"`
	IsValid       bool      `gorm:"index;default:true" json:"is_valid"`
}
