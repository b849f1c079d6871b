package models

import "github.com/shopspring/decimal"

// QtyTolerance absorbs floating-point drift from repeated proportional division.
// All capacity/completion comparisons go through it instead of exact equality.
var QtyTolerance = decimal.New(1, -9)

type OrderStatus string

const (
	OrderStatusPending             OrderStatus = "pending"
	OrderStatusBatched             OrderStatus = "batched"
	OrderStatusInProgress          OrderStatus = "in_progress"
	OrderStatusPartiallyDispatched OrderStatus = "partially_dispatched"
	OrderStatusCompleted           OrderStatus = "completed"
)

// orderStatusTransitions is the single source of truth for legal order status
// changes. fulfilled_qty never decreases; completed is terminal.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusBatched, OrderStatusInProgress},
	OrderStatusInProgress: {OrderStatusBatched, OrderStatusPartiallyDispatched, OrderStatusCompleted},
	// batched -> pending happens only when a provisional batch is torn down.
	OrderStatusBatched:             {OrderStatusPending, OrderStatusPartiallyDispatched, OrderStatusCompleted},
	OrderStatusPartiallyDispatched: {OrderStatusBatched, OrderStatusPartiallyDispatched, OrderStatusCompleted},
	OrderStatusCompleted:           {},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ProductionStatus string

const (
	ProductionStatusPending   ProductionStatus = "pending"
	ProductionStatusInProcess ProductionStatus = "in_process"
	ProductionStatusDone      ProductionStatus = "done"
	ProductionStatusDeployed  ProductionStatus = "deployed"
	ProductionStatusDeleted   ProductionStatus = "deleted"
)

// productionStatusTransitions: pending -> in_process -> done -> deployed,
// with deleted reachable from everything except deployed.
var productionStatusTransitions = map[ProductionStatus][]ProductionStatus{
	ProductionStatusPending:   {ProductionStatusInProcess, ProductionStatusDeleted},
	ProductionStatusInProcess: {ProductionStatusDone, ProductionStatusDeleted},
	ProductionStatusDone:      {ProductionStatusDeployed, ProductionStatusDeleted},
	ProductionStatusDeployed:  {},
	ProductionStatusDeleted:   {},
}

func (s ProductionStatus) CanTransitionTo(next ProductionStatus) bool {
	for _, allowed := range productionStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StockReferenceType tags raw material history rows with what moved the stock.
type StockReferenceType string

const (
	StockReferenceTypeIntake     StockReferenceType = "intake"
	StockReferenceTypeProduction StockReferenceType = "production"
	StockReferenceTypeReversal   StockReferenceType = "reversal"
)
