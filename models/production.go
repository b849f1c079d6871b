package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Production covers both plain productions and batches (IsBatch flag). A batch
// aggregates order allocations up to the configured capacity; a plain
// production is either manual or raised directly from a single order.
type Production struct {
	ID            int              `gorm:"primary_key" json:"id"`
	IsBatch       *bool            `gorm:"not null;default:false;index" json:"is_batch"`
	BatchNumber   string           `gorm:"size:50;index" json:"batch_number"`
	ResinType     string           `gorm:"size:100;not null;index" json:"resin_type"`
	Qty           decimal.Decimal  `gorm:"type:decimal(24,12);not null" json:"qty"`
	Unit          string           `gorm:"size:20;not null;default:litres" json:"unit"`
	ScheduledDate string           `gorm:"size:10;index" json:"scheduled_date"`
	Status        ProductionStatus `gorm:"type:enum('pending','in_process','done','deployed','deleted');not null;default:pending;index" json:"status"`

	MaterialsUsed []ProductionMaterial `gorm:"foreignkey:ProductionId" json:"materials_used"`
	Allocations   []BatchAllocation    `gorm:"foreignkey:BatchId" json:"allocations"`

	ClientName           *string `gorm:"size:100" json:"client_name"`
	FromOrderId          *int    `gorm:"index" json:"from_order_id"`
	OrderNumber          *string `gorm:"size:60" json:"order_number"`
	OriginalProductionId *int    `gorm:"index" json:"original_production_id"`
	FromSplit            *bool   `gorm:"not null;default:false" json:"from_split"`
	SplitInto            string  `gorm:"size:20" json:"split_into"`

	StockDeductedAt *time.Time `json:"stock_deducted_at"`
	ProducedAt      time.Time  `json:"produced_at"`
	ProceededAt     *time.Time `json:"proceeded_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DeployedAt      *time.Time `json:"deployed_at"`
	DeletedAt       *time.Time `json:"deleted_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductionMaterial is one line of the materials consumed by a production,
// recorded at deduction time so deletion can reverse it exactly.
type ProductionMaterial struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ProductionId int             `gorm:"not null;index" json:"production_id"`
	Material     string          `gorm:"size:100;not null" json:"material"`
	RequiredQty  decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"required_qty"`
}

// BatchAllocation is one order slice inside a batch. ClientSeq is 1-based and
// dense; allocations are flagged dispatched in place rather than removed so
// sequence numbering and traceability survive partial dispatch.
type BatchAllocation struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	BatchId            int             `gorm:"not null;index" json:"batch_id"`
	OrderId            int             `gorm:"not null;index" json:"order_id"`
	ClientName         string          `gorm:"size:100;not null" json:"client_name"`
	Qty                decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"qty"`
	Unit               string          `gorm:"size:20;not null;default:litres" json:"unit"`
	OrderNumber        string          `gorm:"size:50" json:"order_number"`
	ClientSeq          int             `gorm:"not null" json:"client_seq"`
	Suffix             string          `gorm:"size:10" json:"suffix"`
	DisplayOrderNumber string          `gorm:"size:60" json:"display_order_number"`
	Dispatched         *bool           `gorm:"not null;default:false" json:"dispatched"`
	DispatchedAt       *time.Time      `json:"dispatched_at"`
}

func (p *Production) IsBatchRecord() bool {
	return p.IsBatch != nil && *p.IsBatch
}

// ValidateAllocationTotal checks the batch invariant: allocation quantities sum
// to the batch total within tolerance.
func (p *Production) ValidateAllocationTotal() error {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Qty)
	}
	if total.Sub(p.Qty).Abs().GreaterThan(QtyTolerance) {
		return &InconsistentError{
			Reason: fmt.Sprintf("batch %s allocations sum to %s, total is %s", p.BatchNumber, total, p.Qty),
		}
	}
	return nil
}

// AllocationsDispatched reports whether every allocation has been dispatched.
func (p *Production) AllocationsDispatched() bool {
	for _, a := range p.Allocations {
		if a.Dispatched == nil || !*a.Dispatched {
			return false
		}
	}
	return len(p.Allocations) > 0
}

// GetProduction loads a production with its materials and allocations.
func GetProduction(db *gorm.DB, id int) (*Production, error) {
	var production Production
	err := db.
		Preload("MaterialsUsed").
		Preload("Allocations", func(tx *gorm.DB) *gorm.DB { return tx.Order("client_seq ASC") }).
		Where("id = ?", id).
		First(&production).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Entity: "production", Key: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, err
	}
	return &production, nil
}

func ListProductions(db *gorm.DB) ([]*Production, error) {
	var productions []*Production
	err := db.
		Preload("MaterialsUsed").
		Preload("Allocations", func(tx *gorm.DB) *gorm.DB { return tx.Order("client_seq ASC") }).
		Order("produced_at DESC, id DESC").
		Find(&productions).Error
	if err != nil {
		return nil, err
	}
	return productions, nil
}
