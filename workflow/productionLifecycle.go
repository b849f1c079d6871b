package workflow

import (
	"fmt"
	"time"

	"github.com/akoresins/factory_backend/config"
	"github.com/akoresins/factory_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// productionLabel names a production for stock-history descriptions: batch
// number for batches, order number for order-linked records, record id as the
// last resort.
func productionLabel(p *models.Production) string {
	if p.BatchNumber != "" {
		return p.BatchNumber
	}
	if p.OrderNumber != nil && *p.OrderNumber != "" {
		return *p.OrderNumber
	}
	return fmt.Sprintf("#%d", p.ID)
}

// Proceed moves a pending production or batch into process. Timestamp only;
// no stock moves here.
func Proceed(db *gorm.DB, logger *logrus.Logger, id int) (*models.Production, error) {
	var updated *models.Production
	err := WithProductionLock(db, id, func(tx *gorm.DB) error {
		production, err := models.GetProduction(tx, id)
		if err != nil {
			return err
		}
		if !production.Status.CanTransitionTo(models.ProductionStatusInProcess) {
			return &models.InvalidStateError{Entity: "production", Status: string(production.Status), Op: "proceed"}
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.Production{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       models.ProductionStatusInProcess,
			"proceeded_at": now,
		}).Error; err != nil {
			config.LogError(logger, "productionLifecycle.go", "Proceed", "UpdateStatus", id, err)
			return err
		}
		production.Status = models.ProductionStatusInProcess
		production.ProceededAt = &now
		updated = production
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete marks an in-process production done. Stock deduction happens here,
// exactly once: records that already carry a materials list were deducted at
// creation and are left alone; otherwise (the normal case for batches) the
// formula is scaled to the record quantity, sufficiency is verified for every
// material before any deduction, and the computed list is attached. The whole
// step commits or rolls back as one unit.
func Complete(db *gorm.DB, logger *logrus.Logger, id int) (*models.Production, error) {
	var updated *models.Production
	err := WithProductionLock(db, id, func(tx *gorm.DB) error {
		production, err := models.GetProduction(tx, id)
		if err != nil {
			return err
		}
		if !production.Status.CanTransitionTo(models.ProductionStatusDone) {
			return &models.InvalidStateError{Entity: "production", Status: string(production.Status), Op: "complete"}
		}

		now := time.Now().UTC()
		if len(production.MaterialsUsed) == 0 {
			formula, err := models.GetFormulaByResinType(tx, production.ResinType)
			if err != nil {
				return err
			}
			required, err := formula.RequiredMaterials(production.Qty)
			if err != nil {
				return err
			}
			if err := checkAndDeductMaterials(tx, required, models.StockReferenceTypeProduction, production.ID, "Production "+productionLabel(production)); err != nil {
				return err
			}
			for i := range required {
				required[i].ProductionId = production.ID
				if err := tx.Create(&required[i]).Error; err != nil {
					return err
				}
			}
			if err := tx.Model(&models.Production{}).Where("id = ?", id).
				Update("stock_deducted_at", now).Error; err != nil {
				return err
			}
			production.MaterialsUsed = required
			production.StockDeductedAt = &now
		}

		if err := tx.Model(&models.Production{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       models.ProductionStatusDone,
			"completed_at": now,
		}).Error; err != nil {
			config.LogError(logger, "productionLifecycle.go", "Complete", "UpdateStatus", id, err)
			return err
		}
		production.Status = models.ProductionStatusDone
		production.CompletedAt = &now
		updated = production
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteProduction marks the record deleted and returns every deducted
// material to stock. Deployed records are immutable; records that never
// reached deduction are a stock no-op.
func DeleteProduction(db *gorm.DB, logger *logrus.Logger, id int) (*models.Production, error) {
	var updated *models.Production
	err := WithProductionLock(db, id, func(tx *gorm.DB) error {
		production, err := models.GetProduction(tx, id)
		if err != nil {
			return err
		}
		if !production.Status.CanTransitionTo(models.ProductionStatusDeleted) {
			return &models.InvalidStateError{Entity: "production", Status: string(production.Status), Op: "delete"}
		}

		if production.StockDeductedAt != nil && len(production.MaterialsUsed) > 0 {
			if err := returnMaterials(tx, production.MaterialsUsed, production.ID, "production deleted "+productionLabel(production)); err != nil {
				config.LogError(logger, "productionLifecycle.go", "DeleteProduction", "returnMaterials", id, err)
				return err
			}
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.Production{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     models.ProductionStatusDeleted,
			"deleted_at": now,
		}).Error; err != nil {
			config.LogError(logger, "productionLifecycle.go", "DeleteProduction", "UpdateStatus", id, err)
			return err
		}
		production.Status = models.ProductionStatusDeleted
		production.DeletedAt = &now
		updated = production
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
