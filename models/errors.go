package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Typed engine errors. Repository (gorm) failures are never wrapped into these;
// they propagate unchanged so callers can tell storage trouble from domain
// rejections.

type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

type InvalidStateError struct {
	Entity string
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %q", e.Op, e.Entity, e.Status)
}

type StockShortfall struct {
	Material  string          `json:"material"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

type InsufficientStockError struct {
	Shortfalls []StockShortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s (need %s, have %s)", s.Material, s.Required, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

type InvalidQuantityError struct {
	Reason string
}

func (e *InvalidQuantityError) Error() string {
	return "invalid quantity: " + e.Reason
}

// InconsistentError flags a broken invariant (e.g. allocation totals that do
// not add up). It signals detection, never silent repair.
type InconsistentError struct {
	Reason string
}

func (e *InconsistentError) Error() string {
	return "inconsistent state: " + e.Reason
}
