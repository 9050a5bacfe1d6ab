package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
)

// DefaultLookbackMinutes is the fallback window for incremental syncs when
// no per-entity setting exists (one day).
const DefaultLookbackMinutes = 1440

// SyncSetting stores the incremental lookback window per entity type.
type SyncSetting struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	EntityType      string    `gorm:"uniqueIndex;size:32;not null" json:"entity_type"`
	LookbackMinutes int       `gorm:"not null" json:"lookback_minutes"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetLookbackMinutes reads the configured lookback for an entity type,
// redis first then db, falling back to DefaultLookbackMinutes.
func GetLookbackMinutes(ctx context.Context, entityType string) int {
	redisKey := "syncLookback:" + entityType
	var cached int
	exists, err := config.GetRedisObject(redisKey, &cached)
	if err == nil && exists && cached > 0 {
		return cached
	}

	db := config.GetDB()
	if db == nil {
		return DefaultLookbackMinutes
	}
	var setting SyncSetting
	if err := db.WithContext(ctx).Where("entity_type = ?", entityType).Take(&setting).Error; err != nil {
		return DefaultLookbackMinutes
	}
	if setting.LookbackMinutes <= 0 {
		return DefaultLookbackMinutes
	}
	_ = config.SetRedisObject(redisKey, setting.LookbackMinutes, 5*time.Minute)
	return setting.LookbackMinutes
}

// SetLookbackMinutes upserts the setting and drops the cache entry.
func SetLookbackMinutes(ctx context.Context, entityType string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("lookback minutes must be positive, got %d", minutes)
	}
	db := config.GetDB()
	var setting SyncSetting
	err := db.WithContext(ctx).Where("entity_type = ?", entityType).Take(&setting).Error
	if err != nil {
		setting = SyncSetting{EntityType: entityType, LookbackMinutes: minutes}
		if err := db.WithContext(ctx).Create(&setting).Error; err != nil {
			return err
		}
	} else {
		if err := db.WithContext(ctx).Model(&setting).Update("lookback_minutes", minutes).Error; err != nil {
			return err
		}
	}
	return config.RemoveRedisKey("syncLookback:" + entityType)
}
