package workflow

import (
	"errors"
	"time"

	"github.com/akoresins/factory_backend/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// checkAndDeductMaterials deducts every required material or none of them.
// Sufficiency is verified for the whole list before any row mutates, and each
// individual deduction re-checks inside the UPDATE itself (total_qty >= ?) so
// read-check-write stays a single statement. Callers must run this inside a
// transaction.
func checkAndDeductMaterials(tx *gorm.DB, materials []models.ProductionMaterial, refType models.StockReferenceType, refId int, description string) error {
	shortfalls := make([]models.StockShortfall, 0)
	for _, mat := range materials {
		var stock models.RawMaterialStock
		err := tx.Where("material = ?", mat.Material).First(&stock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			shortfalls = append(shortfalls, models.StockShortfall{
				Material:  mat.Material,
				Required:  mat.RequiredQty,
				Available: decimal.Zero,
			})
			continue
		}
		if err != nil {
			return err
		}
		if stock.TotalQty.LessThan(mat.RequiredQty) {
			shortfalls = append(shortfalls, models.StockShortfall{
				Material:  mat.Material,
				Required:  mat.RequiredQty,
				Available: stock.TotalQty,
			})
		}
	}
	if len(shortfalls) > 0 {
		return &models.InsufficientStockError{Shortfalls: shortfalls}
	}

	now := time.Now().UTC()
	for _, mat := range materials {
		result := tx.Model(&models.RawMaterialStock{}).
			Where("material = ? AND total_qty >= ?", mat.Material, mat.RequiredQty).
			Updates(map[string]interface{}{
				"total_qty":  gorm.Expr("total_qty - ?", mat.RequiredQty),
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost a race since the pre-check; the transaction rolls back.
			return &models.InsufficientStockError{Shortfalls: []models.StockShortfall{{
				Material: mat.Material,
				Required: mat.RequiredQty,
			}}}
		}

		entry := models.RawMaterialHistory{
			EntryId:       uuid.NewString(),
			Material:      mat.Material,
			Qty:           mat.RequiredQty.Neg(),
			Description:   description,
			ReferenceType: refType,
			ReferenceId:   refId,
			RecordedAt:    now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}

// returnMaterials adds previously deducted quantities back to stock with
// reversal history entries. Materials that never had a stock row (possible if
// the catalog changed) are upserted so the reversal is never lost.
func returnMaterials(tx *gorm.DB, materials []models.ProductionMaterial, refId int, description string) error {
	now := time.Now().UTC()
	for _, mat := range materials {
		result := tx.Model(&models.RawMaterialStock{}).
			Where("material = ?", mat.Material).
			Updates(map[string]interface{}{
				"total_qty":  gorm.Expr("total_qty + ?", mat.RequiredQty),
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			stock := models.RawMaterialStock{Material: mat.Material, TotalQty: mat.RequiredQty}
			if err := tx.Create(&stock).Error; err != nil {
				return err
			}
		}

		entry := models.RawMaterialHistory{
			EntryId:       uuid.NewString(),
			Material:      mat.Material,
			Qty:           mat.RequiredQty,
			Description:   "REV: " + description,
			ReferenceType: models.StockReferenceTypeReversal,
			ReferenceId:   refId,
			RecordedAt:    now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}
