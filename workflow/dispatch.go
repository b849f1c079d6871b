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

// OverflowClientName is the fixed destination for output not dispatched to a
// client in a single step.
const OverflowClientName = "Godown"

// materialShares scales a materials list to a part of the whole. Every share
// is derived from the original required quantity (required * part / whole),
// never from chained subtraction, so the pieces of a split sum back to the
// original list within tolerance.
func materialShares(materials []models.ProductionMaterial, part, whole decimal.Decimal) []models.ProductionMaterial {
	shares := make([]models.ProductionMaterial, 0, len(materials))
	for _, m := range materials {
		shares = append(shares, models.ProductionMaterial{
			Material:    m.Material,
			RequiredQty: m.RequiredQty.Mul(part).Div(whole),
		})
	}
	return shares
}

// applyOrderFulfillment increments an order's fulfilled quantity and derives
// the resulting status. Fulfilled quantity only ever grows.
func applyOrderFulfillment(tx *gorm.DB, orderId int, add decimal.Decimal, now time.Time) error {
	var order models.Order
	err := tx.Where("id = ?", orderId).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.NotFoundError{Entity: "order", Key: fmt.Sprint(orderId)}
	}
	if err != nil {
		return err
	}

	newFulfilled, status := models.ApplyFulfillment(order.Qty, order.FulfilledQty, add)
	updates := map[string]interface{}{
		"fulfilled_qty": newFulfilled,
		"status":        status,
	}
	if status == models.OrderStatusCompleted {
		updates["completed_at"] = now
	}
	return tx.Model(&models.Order{}).Where("id = ?", orderId).Updates(updates).Error
}

// deployAllocation writes the deployed output record for one allocation and
// updates its order's fulfillment.
func deployAllocation(tx *gorm.DB, batch *models.Production, alloc *models.BatchAllocation, now time.Time) error {
	record := &models.Production{
		IsBatch:              utils.NewFalse(),
		ResinType:            batch.ResinType,
		Qty:                  alloc.Qty,
		Unit:                 alloc.Unit,
		ScheduledDate:        batch.ScheduledDate,
		Status:               models.ProductionStatusDeployed,
		ClientName:           &alloc.ClientName,
		FromOrderId:          &alloc.OrderId,
		OrderNumber:          &alloc.DisplayOrderNumber,
		OriginalProductionId: &batch.ID,
		FromSplit:            utils.NewTrue(),
		ProducedAt:           batch.ProducedAt,
		DeployedAt:           &now,
		MaterialsUsed:        materialShares(batch.MaterialsUsed, alloc.Qty, batch.Qty),
	}
	if err := tx.Create(record).Error; err != nil {
		return err
	}

	if err := tx.Model(&models.BatchAllocation{}).Where("id = ?", alloc.ID).Updates(map[string]interface{}{
		"dispatched":    true,
		"dispatched_at": now,
	}).Error; err != nil {
		return err
	}

	return applyOrderFulfillment(tx, alloc.OrderId, alloc.Qty, now)
}

// DispatchBatch splits a completed batch's output back out to its orders: one
// deployed output record per allocation, carrying the allocation's
// proportional share of the batch's consumed materials, then the batch itself
// goes deployed. Allocations already dispatched individually are skipped.
func DispatchBatch(db *gorm.DB, logger *logrus.Logger, batchId int) (*models.Production, error) {
	var updated *models.Production
	err := WithProductionLock(db, batchId, func(tx *gorm.DB) error {
		batch, err := models.GetProduction(tx, batchId)
		if err != nil {
			return err
		}
		if !batch.IsBatchRecord() {
			return &models.InvalidStateError{Entity: "production", Status: string(batch.Status), Op: "dispatch as batch"}
		}
		if !batch.Status.CanTransitionTo(models.ProductionStatusDeployed) {
			return &models.InvalidStateError{Entity: "batch", Status: string(batch.Status), Op: "dispatch"}
		}
		if err := batch.ValidateAllocationTotal(); err != nil {
			config.LogError(logger, "dispatch.go", "DispatchBatch", "ValidateAllocationTotal", batchId, err)
			return err
		}

		now := time.Now().UTC()
		for i := range batch.Allocations {
			alloc := &batch.Allocations[i]
			if alloc.Dispatched != nil && *alloc.Dispatched {
				continue
			}
			if err := deployAllocation(tx, batch, alloc, now); err != nil {
				return err
			}
		}

		if err := tx.Model(&models.Production{}).Where("id = ?", batchId).Updates(map[string]interface{}{
			"status":      models.ProductionStatusDeployed,
			"deployed_at": now,
		}).Error; err != nil {
			return err
		}
		batch.Status = models.ProductionStatusDeployed
		batch.DeployedAt = &now
		updated = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DispatchAllocation dispatches exactly one allocation of a completed batch,
// flagging it in place; removal would break sequence numbering and
// traceability. Once every allocation is dispatched the batch goes deployed.
func DispatchAllocation(db *gorm.DB, logger *logrus.Logger, batchId, clientSeq int) (*models.Production, error) {
	var updated *models.Production
	err := WithProductionLock(db, batchId, func(tx *gorm.DB) error {
		batch, err := models.GetProduction(tx, batchId)
		if err != nil {
			return err
		}
		if !batch.IsBatchRecord() {
			return &models.InvalidStateError{Entity: "production", Status: string(batch.Status), Op: "dispatch as batch"}
		}
		if !batch.Status.CanTransitionTo(models.ProductionStatusDeployed) {
			return &models.InvalidStateError{Entity: "batch", Status: string(batch.Status), Op: "dispatch"}
		}
		if err := batch.ValidateAllocationTotal(); err != nil {
			config.LogError(logger, "dispatch.go", "DispatchAllocation", "ValidateAllocationTotal", batchId, err)
			return err
		}

		var target *models.BatchAllocation
		for i := range batch.Allocations {
			if batch.Allocations[i].ClientSeq == clientSeq {
				target = &batch.Allocations[i]
				break
			}
		}
		if target == nil {
			return &models.NotFoundError{Entity: "allocation", Key: fmt.Sprintf("batch %d seq %d", batchId, clientSeq)}
		}
		if target.Dispatched != nil && *target.Dispatched {
			return &models.InvalidStateError{Entity: "allocation", Status: "dispatched", Op: "dispatch"}
		}

		now := time.Now().UTC()
		if err := deployAllocation(tx, batch, target, now); err != nil {
			return err
		}
		target.Dispatched = utils.NewTrue()
		target.DispatchedAt = &now

		if batch.AllocationsDispatched() {
			if err := tx.Model(&models.Production{}).Where("id = ?", batchId).Updates(map[string]interface{}{
				"status":      models.ProductionStatusDeployed,
				"deployed_at": now,
			}).Error; err != nil {
				return err
			}
			batch.Status = models.ProductionStatusDeployed
			batch.DeployedAt = &now
		}
		updated = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Deploy dispatches a non-batch production, splitting its output between the
// client and the overflow destination when less than the full quantity goes
// out. The two halves carry proportional material shares and S1/S2 display
// suffixes; no suffix is added when nothing is left over. The source record is
// archived as deployed, never removed.
func Deploy(db *gorm.DB, logger *logrus.Logger, id int, dispatchQty decimal.Decimal) (*models.Production, error) {
	var updated *models.Production
	err := WithProductionLock(db, id, func(tx *gorm.DB) error {
		production, err := models.GetProduction(tx, id)
		if err != nil {
			return err
		}
		if production.IsBatchRecord() {
			return &models.InvalidStateError{Entity: "batch", Status: string(production.Status), Op: "deploy directly"}
		}
		if production.Status == models.ProductionStatusDeleted || production.Status == models.ProductionStatusDeployed {
			return &models.InvalidStateError{Entity: "production", Status: string(production.Status), Op: "deploy"}
		}
		if !dispatchQty.IsPositive() {
			return &models.InvalidQuantityError{Reason: "dispatch quantity must be positive"}
		}
		if dispatchQty.GreaterThan(production.Qty) {
			return &models.InvalidQuantityError{
				Reason: fmt.Sprintf("cannot dispatch more than available (%s %s)", production.Qty, production.Unit),
			}
		}

		now := time.Now().UTC()
		remaining := production.Qty.Sub(dispatchQty)
		split := remaining.GreaterThan(models.QtyTolerance)

		var clientNumber, overflowNumber *string
		if production.OrderNumber != nil {
			if split {
				clientNumber = utils.NewString(*production.OrderNumber + "S1")
				overflowNumber = utils.NewString(*production.OrderNumber + "S2")
			} else {
				clientNumber = production.OrderNumber
			}
		}

		clientRecord := &models.Production{
			IsBatch:              utils.NewFalse(),
			ResinType:            production.ResinType,
			Qty:                  dispatchQty,
			Unit:                 production.Unit,
			ScheduledDate:        production.ScheduledDate,
			Status:               models.ProductionStatusDeployed,
			ClientName:           production.ClientName,
			FromOrderId:          production.FromOrderId,
			OrderNumber:          clientNumber,
			OriginalProductionId: &production.ID,
			FromSplit:            &split,
			ProducedAt:           production.ProducedAt,
			DeployedAt:           &now,
			MaterialsUsed:        materialShares(production.MaterialsUsed, dispatchQty, production.Qty),
		}
		if err := tx.Create(clientRecord).Error; err != nil {
			config.LogError(logger, "dispatch.go", "Deploy", "CreateClientRecord", id, err)
			return err
		}

		splitInto := "client-only"
		if split {
			splitInto = "client+godown"
			overflow := OverflowClientName
			overflowRecord := &models.Production{
				IsBatch:              utils.NewFalse(),
				ResinType:            production.ResinType,
				Qty:                  remaining,
				Unit:                 production.Unit,
				ScheduledDate:        production.ScheduledDate,
				Status:               models.ProductionStatusDeployed,
				ClientName:           &overflow,
				FromOrderId:          production.FromOrderId,
				OrderNumber:          overflowNumber,
				OriginalProductionId: &production.ID,
				FromSplit:            utils.NewTrue(),
				ProducedAt:           production.ProducedAt,
				DeployedAt:           &now,
				MaterialsUsed:        materialShares(production.MaterialsUsed, remaining, production.Qty),
			}
			if err := tx.Create(overflowRecord).Error; err != nil {
				config.LogError(logger, "dispatch.go", "Deploy", "CreateOverflowRecord", id, err)
				return err
			}
		}

		if err := tx.Model(&models.Production{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":      models.ProductionStatusDeployed,
			"deployed_at": now,
			"split_into":  splitInto,
		}).Error; err != nil {
			return err
		}

		if production.FromOrderId != nil {
			if err := applyOrderFulfillment(tx, *production.FromOrderId, dispatchQty, now); err != nil {
				return err
			}
		}

		production.Status = models.ProductionStatusDeployed
		production.DeployedAt = &now
		production.SplitInto = splitInto
		updated = production
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
