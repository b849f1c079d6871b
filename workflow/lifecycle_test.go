package workflow

import (
	"testing"

	"github.com/akoresins/factory_backend/models"
	"github.com/akoresins/factory_backend/utils"
)

func TestProductionLabelFallbacks(t *testing.T) {
	batch := &models.Production{ID: 7, BatchNumber: "BT-20260831-00001"}
	if got := productionLabel(batch); got != "BT-20260831-00001" {
		t.Fatalf("batch label = %q, want batch number", got)
	}

	num := "AKO-YGN-31082026-00001"
	fromOrder := &models.Production{ID: 8, OrderNumber: &num}
	if got := productionLabel(fromOrder); got != num {
		t.Fatalf("order-linked label = %q, want order number", got)
	}

	manual := &models.Production{ID: 9}
	if got := productionLabel(manual); got != "#9" {
		t.Fatalf("manual label = %q, want #9", got)
	}

	blank := &models.Production{ID: 10, OrderNumber: utils.NewString("")}
	if got := productionLabel(blank); got != "#10" {
		t.Fatalf("blank order number label = %q, want #10", got)
	}
}
