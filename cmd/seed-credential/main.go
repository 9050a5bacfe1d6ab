// seed-credential creates or updates the ERP credential row and an admin
// operator user. ERP connection details come from env; the operator login
// from flags.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... \
//   ACUMATICA_HOST=... ACUMATICA_USERNAME=... ACUMATICA_PASSWORD=... \
//   go run ./cmd/seed-credential -admin-user admin -admin-pass secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"gorm.io/gorm"
)

func main() {
	adminUser := flag.String("admin-user", "collectionsAdmin", "admin username to seed")
	adminPass := flag.String("admin-pass", "", "admin password to seed (required)")
	tenantKey := flag.String("tenant", "default", "tenant key for the credential row")
	flag.Parse()

	if *adminPass == "" {
		fmt.Fprintln(os.Stderr, "-admin-pass is required")
		os.Exit(2)
	}

	host := os.Getenv("ACUMATICA_HOST")
	erpUser := os.Getenv("ACUMATICA_USERNAME")
	erpPass := os.Getenv("ACUMATICA_PASSWORD")
	if host == "" || erpUser == "" || erpPass == "" {
		fmt.Fprintln(os.Stderr, "ACUMATICA_HOST, ACUMATICA_USERNAME and ACUMATICA_PASSWORD are required")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()

	if err := seedCredential(ctx, db, *tenantKey, host, erpUser, erpPass); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed credential: %v\n", err)
		os.Exit(1)
	}
	if err := seedAdmin(ctx, db, *adminUser, *adminPass); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin user: %v\n", err)
		os.Exit(1)
	}
}

func seedCredential(ctx context.Context, db *gorm.DB, tenantKey, host, erpUser, erpPass string) error {
	values := map[string]any{
		"host":      host,
		"username":  erpUser,
		"password":  erpPass,
		"company":   os.Getenv("ACUMATICA_COMPANY"),
		"branch":    os.Getenv("ACUMATICA_BRANCH"),
		"is_active": true,
	}

	var existing models.AcumaticaCredential
	err := db.WithContext(ctx).Where("tenant_key = ?", tenantKey).Take(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		cred := models.AcumaticaCredential{
			TenantKey: tenantKey,
			Host:      host,
			Username:  erpUser,
			Password:  erpPass,
			Company:   os.Getenv("ACUMATICA_COMPANY"),
			Branch:    os.Getenv("ACUMATICA_BRANCH"),
			IsActive:  true,
		}
		if err := db.WithContext(ctx).Create(&cred).Error; err != nil {
			return err
		}
		fmt.Printf("Created credential for tenant %q (host=%s user=%s)\n", tenantKey, host, erpUser)
		return nil
	}

	if err := db.WithContext(ctx).Model(&models.AcumaticaCredential{}).
		Where("id = ?", existing.ID).Updates(values).Error; err != nil {
		return err
	}
	fmt.Printf("Updated credential for tenant %q (host=%s user=%s)\n", tenantKey, host, erpUser)
	return nil
}

func seedAdmin(ctx context.Context, db *gorm.DB, username, password string) error {
	hashed, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	var existing models.User
	err = db.WithContext(ctx).Where("username = ?", username).Take(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		u := models.User{
			Username: username,
			Name:     "Collections Admin",
			Password: string(hashed),
			Role:     models.UserRoleAdmin,
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			return err
		}
		fmt.Printf("Created admin user %q\n", username)
		return nil
	}

	if err := db.WithContext(ctx).Model(&models.User{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"password": string(hashed),
		"role":     models.UserRoleAdmin,
	}).Error; err != nil {
		return err
	}
	fmt.Printf("Updated admin user %q\n", username)
	return nil
}
