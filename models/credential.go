package models

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
)

var (
	ErrNoActiveCredential        = errors.New("no active acumatica credential configured")
	ErrMultipleActiveCredentials = errors.New("multiple active acumatica credentials; deactivate extras or set ACUMATICA_CREDENTIAL_ID")
)

// AcumaticaCredential holds the login material for one ERP tenant.
// Read-only from the sync engines' perspective; rows are managed by operators.
type AcumaticaCredential struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	TenantKey string    `gorm:"index;size:64;not null" json:"tenant_key"`
	Host      string    `gorm:"size:255;not null" json:"host"`
	Username  string    `gorm:"size:128;not null" json:"username"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Company   string    `gorm:"size:128" json:"company"`
	Branch    string    `gorm:"size:128" json:"branch"`
	IsActive  bool      `gorm:"index;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GetActiveCredential resolves the authoritative credential row for a tenant.
// Exactly one active row is allowed; ambiguity is an error, not a guess.
// ACUMATICA_CREDENTIAL_ID pins a specific row when operators need an override.
func GetActiveCredential(ctx context.Context, tenantKey string) (*AcumaticaCredential, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("database not initialized")
	}

	if v := strings.TrimSpace(os.Getenv("ACUMATICA_CREDENTIAL_ID")); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("ACUMATICA_CREDENTIAL_ID is not numeric")
		}
		var cred AcumaticaCredential
		if err := db.WithContext(ctx).Where("id = ?", id).Take(&cred).Error; err != nil {
			return nil, ErrNoActiveCredential
		}
		return &cred, nil
	}

	var creds []AcumaticaCredential
	query := db.WithContext(ctx).Where("is_active = ?", true)
	if tenantKey != "" {
		query = query.Where("tenant_key = ?", tenantKey)
	}
	if err := query.Order("created_at desc").Find(&creds).Error; err != nil {
		return nil, err
	}
	switch len(creds) {
	case 0:
		return nil, ErrNoActiveCredential
	case 1:
		return &creds[0], nil
	default:
		return nil, ErrMultipleActiveCredentials
	}
}
