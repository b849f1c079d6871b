package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/akoresins/factory_backend/config"
	"github.com/akoresins/factory_backend/models"
	"github.com/akoresins/factory_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ProduceResinInput struct {
	ResinType string          `json:"resin_type" binding:"required"`
	Litres    decimal.Decimal `json:"litres" binding:"required"`
	Unit      string          `json:"unit"`
	OrderId   *int            `json:"order_id"`
}

// ProduceResin raises a production directly, outside batching: manual, or
// against a single order. Materials are deducted at creation time, so a later
// Complete will not deduct again. If the target order currently sits in a
// provisional batch it is pulled out first and the batch resequenced; the
// remaining orders get re-packed on the next allocation run.
func ProduceResin(db *gorm.DB, logger *logrus.Logger, input *ProduceResinInput) (*models.Production, error) {
	if !input.Litres.IsPositive() {
		return nil, &models.InvalidQuantityError{Reason: "litres must be positive"}
	}
	unit := input.Unit
	if unit == "" {
		unit = "litres"
	}

	var created *models.Production
	run := func(tx *gorm.DB) error {
		formula, err := models.GetFormulaByResinType(tx, input.ResinType)
		if err != nil {
			return err
		}
		required, err := formula.RequiredMaterials(input.Litres)
		if err != nil {
			return err
		}

		var order *models.Order
		if input.OrderId != nil {
			var already int64
			if err := tx.Model(&models.Production{}).
				Where("from_order_id = ? AND is_batch = 0 AND original_production_id IS NULL AND status <> ?", *input.OrderId, models.ProductionStatusDeleted).
				Count(&already).Error; err != nil {
				return err
			}
			if already > 0 {
				return &models.InvalidStateError{Entity: "order", Status: "produced", Op: "produce"}
			}

			order, err = models.GetOrder(tx, *input.OrderId)
			if err != nil {
				return err
			}
			if order.BatchId != nil {
				if err := unbatchOrder(tx, order); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		production := &models.Production{
			IsBatch:    utils.NewFalse(),
			ResinType:  input.ResinType,
			Qty:        input.Litres,
			Unit:       unit,
			Status:     models.ProductionStatusPending,
			FromSplit:  utils.NewFalse(),
			ProducedAt: now,
		}
		if order != nil {
			production.ClientName = &order.ClientName
			production.FromOrderId = &order.ID
			production.OrderNumber = &order.OrderNumber
			production.ScheduledDate = order.ScheduledDate
		}
		if err := tx.Create(production).Error; err != nil {
			config.LogError(logger, "produce.go", "ProduceResin", "CreateProduction", input, err)
			return err
		}

		if err := checkAndDeductMaterials(tx, required, models.StockReferenceTypeProduction, production.ID, "Production "+input.ResinType); err != nil {
			return err
		}
		for i := range required {
			required[i].ProductionId = production.ID
			if err := tx.Create(&required[i]).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&models.Production{}).Where("id = ?", production.ID).
			Update("stock_deducted_at", now).Error; err != nil {
			return err
		}
		production.MaterialsUsed = required
		production.StockDeductedAt = &now

		if order != nil {
			if !order.Status.CanTransitionTo(models.OrderStatusInProgress) {
				return &models.InvalidStateError{Entity: "order", Status: string(order.Status), Op: "produce"}
			}
			if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).
				Update("status", models.OrderStatusInProgress).Error; err != nil {
				return err
			}
		}

		created = production
		return nil
	}

	// Producing against an order may pull it out of a provisional batch, so
	// the whole transaction runs under the order's batching key; the key
	// fields are immutable, so the pre-transaction read is safe.
	var err error
	if input.OrderId != nil {
		order, oerr := models.GetOrder(db, *input.OrderId)
		if oerr != nil {
			return nil, oerr
		}
		err = WithBatchingLock(db, order.ScheduledDate, order.ResinType, run)
	} else {
		err = db.Transaction(run)
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// unbatchOrder pulls an order out of the provisional batches that hold its
// allocations, resequencing what stays behind: dense 1-based ClientSeq,
// rebuilt display numbers, recomputed totals; batches left empty are removed.
// An order held by a batch that has already started blocks here; batch
// actions own it. The caller holds the batching lock for the order's key.
func unbatchOrder(tx *gorm.DB, order *models.Order) error {
	var affected []*models.Production
	err := tx.
		Preload("Allocations", func(q *gorm.DB) *gorm.DB { return q.Order("client_seq ASC") }).
		Joins("JOIN batch_allocations ON batch_allocations.batch_id = productions.id").
		Where("productions.is_batch = 1 AND productions.resin_type = ? AND productions.scheduled_date = ? AND productions.status = ? AND batch_allocations.order_id = ?",
			order.ResinType, order.ScheduledDate, models.ProductionStatusPending, order.ID).
		Group("productions.id").
		Find(&affected).Error
	if err != nil {
		return err
	}

	if len(affected) == 0 {
		var hardBatch models.Production
		err := tx.Where("id = ? AND is_batch = 1", *order.BatchId).First(&hardBatch).Error
		if err == nil && hardBatch.Status != models.ProductionStatusPending {
			return &models.InvalidStateError{Entity: "order", Status: string(hardBatch.Status), Op: "unbatch"}
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// Batch reference is stale; the orphan repair in allocation handles it.
	} else {
		for _, batch := range affected {
			kept := make([]models.BatchAllocation, 0, len(batch.Allocations))
			for _, alloc := range batch.Allocations {
				if alloc.OrderId != order.ID {
					kept = append(kept, alloc)
				}
			}

			if err := tx.Where("batch_id = ?", batch.ID).Delete(&models.BatchAllocation{}).Error; err != nil {
				return err
			}
			if len(kept) == 0 {
				if err := tx.Where("id = ?", batch.ID).Delete(&models.Production{}).Error; err != nil {
					return err
				}
				continue
			}

			newTotal := decimal.Zero
			for i := range kept {
				seq := i + 1
				kept[i].ID = 0
				kept[i].BatchId = batch.ID
				kept[i].ClientSeq = seq
				kept[i].Suffix = fmt.Sprintf("C%d", seq)
				kept[i].DisplayOrderNumber = kept[i].OrderNumber + kept[i].Suffix
				newTotal = newTotal.Add(kept[i].Qty)
				if err := tx.Create(&kept[i]).Error; err != nil {
					return err
				}
			}
			if err := tx.Model(&models.Production{}).Where("id = ?", batch.ID).
				Update("qty", newTotal).Error; err != nil {
				return err
			}
		}
	}

	if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
		"batch_id":   nil,
		"batched_at": nil,
		"status":     models.OrderStatusPending,
	}).Error; err != nil {
		return err
	}
	order.BatchId = nil
	order.BatchedAt = nil
	order.Status = models.OrderStatusPending
	return nil
}
