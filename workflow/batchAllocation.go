package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/akoresins/factory_backend/config"
	"github.com/akoresins/factory_backend/models"
	"github.com/akoresins/factory_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// batchPlan is one capacity-bounded batch produced by the packing pass, before
// anything is persisted.
type batchPlan struct {
	Total       decimal.Decimal
	Allocations []models.BatchAllocation
}

// planBatches greedily packs orders into capacity-bounded batches, FIFO. The
// caller passes orders sorted by creation time; remaining = qty - fulfilledQty
// so partially fulfilled orders only contribute their open portion. An order
// that does not fit the residual capacity of the current batch is split: each
// slice becomes its own allocation, possibly in the next batch. Allocations
// get a dense 1-based ClientSeq and a C<seq> display suffix per batch.
//
// The function is pure, which is what makes the rebuild-and-rerun allocation
// procedure idempotent: same orders + same capacity => same plan.
func planBatches(orders []*models.Order, capacity decimal.Decimal) []batchPlan {
	plans := make([]batchPlan, 0)
	current := batchPlan{Total: decimal.Zero}

	flush := func() {
		if len(current.Allocations) == 0 {
			return
		}
		for i := range current.Allocations {
			seq := i + 1
			current.Allocations[i].ClientSeq = seq
			current.Allocations[i].Suffix = fmt.Sprintf("C%d", seq)
			current.Allocations[i].DisplayOrderNumber = current.Allocations[i].OrderNumber + current.Allocations[i].Suffix
		}
		plans = append(plans, current)
		current = batchPlan{Total: decimal.Zero}
	}

	for _, order := range orders {
		remaining := order.Remaining()
		if !remaining.IsPositive() {
			continue
		}
		for remaining.IsPositive() {
			available := capacity.Sub(current.Total)
			if !available.IsPositive() {
				flush()
				continue
			}
			take := decimal.Min(remaining, available)
			current.Allocations = append(current.Allocations, models.BatchAllocation{
				OrderId:     order.ID,
				ClientName:  order.ClientName,
				Qty:         take,
				Unit:        order.Unit,
				OrderNumber: order.OrderNumber,
				Dispatched:  utils.NewFalse(),
			})
			current.Total = current.Total.Add(take)
			remaining = remaining.Sub(take)

			if current.Total.GreaterThanOrEqual(capacity.Sub(models.QtyTolerance)) {
				flush()
			}
		}
	}
	flush()
	return plans
}

// AllocateBatches rebuilds the batch set for one (scheduledDate, resinType)
// key. Safe to re-run at any time: provisional (still pending) batches are
// torn down and re-derived from the orders, started batches are left alone,
// and batch numbering keeps counting monotonically across runs.
func AllocateBatches(db *gorm.DB, logger *logrus.Logger, scheduledDate, resinType string) ([]*models.Production, error) {
	created := make([]*models.Production, 0)
	err := WithBatchingLock(db, scheduledDate, resinType, func(tx *gorm.DB) error {
		batches, err := allocateBatchesLocked(tx, logger, scheduledDate, resinType)
		if err != nil {
			return err
		}
		created = batches
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// allocateBatchesLocked is the allocation body. The caller holds the batching
// lock for the key and supplies the transaction.
func allocateBatchesLocked(tx *gorm.DB, logger *logrus.Logger, scheduledDate, resinType string) ([]*models.Production, error) {
	capacity, err := models.GetBatchCapacity(tx, resinType)
	if err != nil {
		config.LogError(logger, "batchAllocation.go", "allocateBatchesLocked", "GetBatchCapacity", resinType, err)
		return nil, err
	}

	// Tear down provisional batches: release their orders, then delete them
	// so the batch set re-derives cleanly from the orders.
	var provisional []*models.Production
	if err := tx.
		Where("is_batch = 1 AND resin_type = ? AND scheduled_date = ? AND status = ?", resinType, scheduledDate, models.ProductionStatusPending).
		Find(&provisional).Error; err != nil {
		return nil, err
	}
	if len(provisional) > 0 {
		provisionalIds := make([]int, 0, len(provisional))
		for _, b := range provisional {
			provisionalIds = append(provisionalIds, b.ID)
		}
		if err := tx.Model(&models.Order{}).
			Where("batch_id IN ?", provisionalIds).
			Updates(map[string]interface{}{
				"batch_id":   nil,
				"batched_at": nil,
				"status":     models.OrderStatusPending,
			}).Error; err != nil {
			return nil, err
		}
		if err := tx.Where("batch_id IN ?", provisionalIds).Delete(&models.BatchAllocation{}).Error; err != nil {
			return nil, err
		}
		if err := tx.Where("id IN ?", provisionalIds).Delete(&models.Production{}).Error; err != nil {
			return nil, err
		}
	}

	// Repair orphans left by a partially failed prior run: batched orders
	// whose batch no longer exists for this key go back to pending.
	var existingBatchIds []int
	if err := tx.Model(&models.Production{}).
		Where("is_batch = 1 AND resin_type = ? AND scheduled_date = ?", resinType, scheduledDate).
		Pluck("id", &existingBatchIds).Error; err != nil {
		return nil, err
	}
	orphanQuery := tx.Model(&models.Order{}).
		Where("scheduled_date = ? AND resin_type = ? AND status = ? AND batch_id IS NOT NULL", scheduledDate, resinType, models.OrderStatusBatched)
	if len(existingBatchIds) > 0 {
		orphanQuery = orphanQuery.Where("batch_id NOT IN ?", existingBatchIds)
	}
	if err := orphanQuery.Updates(map[string]interface{}{
		"batch_id":   nil,
		"batched_at": nil,
		"status":     models.OrderStatusPending,
	}).Error; err != nil {
		return nil, err
	}

	// FIFO collect: earliest orders pack first and are least likely to be
	// split across batches.
	var orders []*models.Order
	if err := tx.
		Where("scheduled_date = ? AND resin_type = ? AND status IN ?", scheduledDate, resinType,
			[]models.OrderStatus{models.OrderStatusPending, models.OrderStatusInProgress, models.OrderStatusPartiallyDispatched}).
		Order("created_at ASC, id ASC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []*models.Production{}, nil
	}

	// Numbering continues after the surviving (non-provisional) batches so a
	// batch number is never reused across re-runs.
	var existingCount int64
	if err := tx.Model(&models.Production{}).
		Where("is_batch = 1 AND resin_type = ? AND scheduled_date = ?", resinType, scheduledDate).
		Count(&existingCount).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	datePart := strings.ReplaceAll(scheduledDate, "-", "")
	created := make([]*models.Production, 0)

	for i, plan := range planBatches(orders, capacity) {
		batch := &models.Production{
			IsBatch:       utils.NewTrue(),
			BatchNumber:   fmt.Sprintf("BT-%s-%05d", datePart, existingCount+int64(i)+1),
			ResinType:     resinType,
			Qty:           plan.Total,
			Unit:          "litres",
			ScheduledDate: scheduledDate,
			Status:        models.ProductionStatusPending,
			Allocations:   plan.Allocations,
			FromSplit:     utils.NewFalse(),
			ProducedAt:    now,
		}
		if err := tx.Create(batch).Error; err != nil {
			config.LogError(logger, "batchAllocation.go", "allocateBatchesLocked", "CreateBatch", batch.BatchNumber, err)
			return nil, err
		}

		orderIds := make([]int, 0, len(plan.Allocations))
		seen := make(map[int]bool)
		for _, alloc := range plan.Allocations {
			if !seen[alloc.OrderId] {
				seen[alloc.OrderId] = true
				orderIds = append(orderIds, alloc.OrderId)
			}
		}
		if err := tx.Model(&models.Order{}).
			Where("id IN ?", orderIds).
			Updates(map[string]interface{}{
				"status":     models.OrderStatusBatched,
				"batched_at": now,
				"batch_id":   batch.ID,
			}).Error; err != nil {
			return nil, err
		}

		created = append(created, batch)
	}
	return created, nil
}
