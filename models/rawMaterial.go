package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PossibleRawMaterial is the catalog of materials the factory knows about.
// Stock intake and formula lines must reference a catalog entry.
type PossibleRawMaterial struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RawMaterialStock is the per-material available quantity. TotalQty never goes
// negative; deductions are guarded in the same UPDATE that applies them.
type RawMaterialStock struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Material  string          `gorm:"size:100;not null;uniqueIndex" json:"material"`
	TotalQty  decimal.Decimal `gorm:"type:decimal(24,12);not null;default:0" json:"total_qty"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// RawMaterialHistory records every stock movement: positive for intake and
// reversals, negative for production usage.
type RawMaterialHistory struct {
	ID            int                `gorm:"primary_key" json:"id"`
	EntryId       string             `gorm:"size:36;not null;uniqueIndex" json:"entry_id"`
	Material      string             `gorm:"size:100;not null;index" json:"material"`
	Qty           decimal.Decimal    `gorm:"type:decimal(24,12);not null" json:"qty"`
	Description   string             `gorm:"size:255" json:"description"`
	ReferenceType StockReferenceType `gorm:"size:30;not null;index" json:"reference_type"`
	ReferenceId   int                `gorm:"not null;default:0;index" json:"reference_id"`
	RecordedAt    time.Time          `gorm:"not null;index" json:"recorded_at"`
}

type NewStockIntake struct {
	Material     string          `json:"material" binding:"required"`
	Qty          decimal.Decimal `json:"qty" binding:"required"`
	ReceivedDate string          `json:"received_date"`
}

// RawMaterialSummary joins the catalog with current stock for listing.
type RawMaterialSummary struct {
	Name     string          `json:"name"`
	TotalQty decimal.Decimal `json:"total_qty"`
}

// AddRawMaterialStock upserts stock for a catalog material and appends an
// intake history entry.
func AddRawMaterialStock(db *gorm.DB, input *NewStockIntake) (*RawMaterialHistory, error) {
	if !input.Qty.IsPositive() {
		return nil, &InvalidQuantityError{Reason: "intake qty must be positive"}
	}

	var catalog PossibleRawMaterial
	err := db.Where("name = ?", input.Material).First(&catalog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Entity: "raw material", Key: input.Material}
	}
	if err != nil {
		return nil, err
	}

	recordedAt := time.Now().UTC()
	if input.ReceivedDate != "" {
		d, err := time.Parse(DateLayout, input.ReceivedDate)
		if err != nil {
			return nil, &InvalidQuantityError{Reason: "received_date must be " + DateLayout}
		}
		recordedAt = d
	}

	var entry *RawMaterialHistory
	err = db.Transaction(func(tx *gorm.DB) error {
		stock := RawMaterialStock{Material: input.Material, TotalQty: input.Qty}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "material"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_qty":  gorm.Expr("total_qty + ?", input.Qty),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&stock).Error; err != nil {
			return err
		}

		entry = &RawMaterialHistory{
			EntryId:       uuid.NewString(),
			Material:      input.Material,
			Qty:           input.Qty,
			Description:   "Stock intake",
			ReferenceType: StockReferenceTypeIntake,
			RecordedAt:    recordedAt,
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListRawMaterials returns every catalog material with its current quantity,
// zero when no stock row exists yet.
func ListRawMaterials(db *gorm.DB) ([]*RawMaterialSummary, error) {
	var summaries []*RawMaterialSummary
	err := db.Model(&PossibleRawMaterial{}).
		Select("possible_raw_materials.name AS name, COALESCE(raw_material_stocks.total_qty, 0) AS total_qty").
		Joins("LEFT JOIN raw_material_stocks ON raw_material_stocks.material = possible_raw_materials.name").
		Order("possible_raw_materials.name ASC").
		Scan(&summaries).Error
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// GetRawMaterialHistory pages through movement history, newest first.
// material filters to one material when non-empty.
func GetRawMaterialHistory(db *gorm.DB, material string, page, limit int) (int64, []*RawMaterialHistory, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	query := db.Model(&RawMaterialHistory{})
	if material != "" {
		query = query.Where("material = ?", material)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, nil, err
	}
	var entries []*RawMaterialHistory
	err := query.
		Order("recorded_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return 0, nil, err
	}
	return total, entries, nil
}
