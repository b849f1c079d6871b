package models

import (
	"errors"
	"time"

	"github.com/akoresins/factory_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultBatchCapacity applies when no positive capacity is configured for a
// resin type.
var DefaultBatchCapacity = decimal.NewFromInt(5000)

type BatchSetting struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ResinType string          `gorm:"size:100;not null;uniqueIndex" json:"resin_type"`
	Capacity  decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"capacity"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func batchCapacityRedisKey(resinType string) string {
	return "batchCap:" + resinType
}

// GetBatchCapacity resolves the batch capacity for a resin type, reading
// through a Redis cache. Missing or non-positive settings fall back to the
// default.
func GetBatchCapacity(db *gorm.DB, resinType string) (decimal.Decimal, error) {
	var cached string
	exists, err := config.GetRedisObject(batchCapacityRedisKey(resinType), &cached)
	if err == nil && exists {
		if capacity, derr := decimal.NewFromString(cached); derr == nil && capacity.IsPositive() {
			return capacity, nil
		}
	}

	var setting BatchSetting
	err = db.Where("resin_type = ?", resinType).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultBatchCapacity, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !setting.Capacity.IsPositive() {
		return DefaultBatchCapacity, nil
	}

	// Cache is best-effort; a write failure must not block allocation.
	_ = config.SetRedisObject(batchCapacityRedisKey(resinType), setting.Capacity.String(), time.Hour)
	return setting.Capacity, nil
}

// SetBatchCapacity upserts the capacity for a resin type and invalidates the
// cache entry.
func SetBatchCapacity(db *gorm.DB, resinType string, capacity decimal.Decimal) (*BatchSetting, error) {
	if !capacity.IsPositive() {
		return nil, &InvalidQuantityError{Reason: "batch capacity must be positive"}
	}
	setting := BatchSetting{ResinType: resinType, Capacity: capacity}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resin_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"capacity", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey(batchCapacityRedisKey(resinType))
	return &setting, nil
}

func ListBatchSettings(db *gorm.DB) ([]*BatchSetting, error) {
	var settings []*BatchSetting
	if err := db.Order("resin_type ASC").Find(&settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}
