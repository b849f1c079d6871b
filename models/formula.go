package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ResinFormula is the recipe for one resin type. Ratios are relative weights;
// they need not sum to any fixed total.
type ResinFormula struct {
	ID        int               `gorm:"primary_key" json:"id"`
	Name      string            `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Materials []FormulaMaterial `gorm:"foreignkey:FormulaId" json:"materials"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type FormulaMaterial struct {
	ID        int             `gorm:"primary_key" json:"id"`
	FormulaId int             `gorm:"not null;index" json:"formula_id"`
	Material  string          `gorm:"size:100;not null" json:"material"`
	Ratio     decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"ratio"`
}

func GetFormulaByResinType(db *gorm.DB, resinType string) (*ResinFormula, error) {
	var formula ResinFormula
	err := db.Preload("Materials").Where("name = ?", resinType).First(&formula).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Entity: "formula", Key: resinType}
	}
	if err != nil {
		return nil, err
	}
	return &formula, nil
}

func ListFormulas(db *gorm.DB) ([]*ResinFormula, error) {
	var formulas []*ResinFormula
	if err := db.Preload("Materials").Order("name ASC").Find(&formulas).Error; err != nil {
		return nil, err
	}
	return formulas, nil
}

// RequiredMaterials scales the formula to a production quantity. Each share is
// derived from the original total (ratio / sum of ratios * qty), never from
// chained subtraction.
func (f *ResinFormula) RequiredMaterials(qty decimal.Decimal) ([]ProductionMaterial, error) {
	totalRatio := decimal.Zero
	for _, m := range f.Materials {
		totalRatio = totalRatio.Add(m.Ratio)
	}
	if !totalRatio.IsPositive() {
		return nil, &InconsistentError{Reason: "formula " + f.Name + " has no positive ratios"}
	}

	required := make([]ProductionMaterial, 0, len(f.Materials))
	for _, m := range f.Materials {
		required = append(required, ProductionMaterial{
			Material:    m.Material,
			RequiredQty: m.Ratio.Div(totalRatio).Mul(qty),
		})
	}
	return required, nil
}
