package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRequiredMaterialsScalesByRatio(t *testing.T) {
	formula := &ResinFormula{
		Name: "GP Resin",
		Materials: []FormulaMaterial{
			{Material: "Styrene", Ratio: mustDec(t, "3")},
			{Material: "Cobalt", Ratio: mustDec(t, "1")},
		},
	}
	required, err := formula.RequiredMaterials(mustDec(t, "400"))
	if err != nil {
		t.Fatalf("RequiredMaterials: %v", err)
	}
	if !required[0].RequiredQty.Equal(mustDec(t, "300")) {
		t.Fatalf("Styrene = %s, want 300", required[0].RequiredQty)
	}
	if !required[1].RequiredQty.Equal(mustDec(t, "100")) {
		t.Fatalf("Cobalt = %s, want 100", required[1].RequiredQty)
	}
}

func TestRequiredMaterialsSumsToQty(t *testing.T) {
	// Ratios that do not divide evenly: the shares must still sum to the
	// production quantity within tolerance.
	formula := &ResinFormula{
		Name: "ISO Resin",
		Materials: []FormulaMaterial{
			{Material: "A", Ratio: mustDec(t, "1")},
			{Material: "B", Ratio: mustDec(t, "1")},
			{Material: "C", Ratio: mustDec(t, "1")},
		},
	}
	qty := mustDec(t, "100")
	required, err := formula.RequiredMaterials(qty)
	if err != nil {
		t.Fatalf("RequiredMaterials: %v", err)
	}
	sum := decimal.Zero
	for _, m := range required {
		sum = sum.Add(m.RequiredQty)
	}
	if sum.Sub(qty).Abs().GreaterThan(QtyTolerance) {
		t.Fatalf("shares sum to %s, want %s", sum, qty)
	}
}

func TestRequiredMaterialsRejectsEmptyFormula(t *testing.T) {
	formula := &ResinFormula{Name: "Empty"}
	_, err := formula.RequiredMaterials(mustDec(t, "100"))
	var inconsistent *InconsistentError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("expected InconsistentError, got %v", err)
	}
}

func TestValidateAllocationTotal(t *testing.T) {
	batch := &Production{
		BatchNumber: "BT-20260831-00001",
		Qty:         mustDec(t, "5000"),
		Allocations: []BatchAllocation{
			{Qty: mustDec(t, "3000")},
			{Qty: mustDec(t, "2000")},
		},
	}
	if err := batch.ValidateAllocationTotal(); err != nil {
		t.Fatalf("consistent batch rejected: %v", err)
	}

	batch.Allocations[1].Qty = mustDec(t, "1999")
	var inconsistent *InconsistentError
	if err := batch.ValidateAllocationTotal(); !errors.As(err, &inconsistent) {
		t.Fatalf("expected InconsistentError, got %v", err)
	}
}

func TestAllocationsDispatched(t *testing.T) {
	yes, no := true, false
	batch := &Production{}
	if batch.AllocationsDispatched() {
		t.Fatal("batch with no allocations must not report dispatched")
	}
	batch.Allocations = []BatchAllocation{{Dispatched: &yes}, {Dispatched: &no}}
	if batch.AllocationsDispatched() {
		t.Fatal("one undispatched allocation must block")
	}
	batch.Allocations[1].Dispatched = &yes
	if !batch.AllocationsDispatched() {
		t.Fatal("all dispatched allocations must report true")
	}
}
