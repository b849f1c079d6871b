package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DateLayout is the wire and storage format for scheduled dates. Scheduling is
// calendar-date only; the domain has no timezone semantics.
const DateLayout = "2006-01-02"

const orderNumberPrefix = "AKO"

type Order struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ClientName    string          `gorm:"size:100;not null;index" json:"client_name"`
	ResinType     string          `gorm:"size:100;not null;index" json:"resin_type"`
	Qty           decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"qty"`
	Unit          string          `gorm:"size:20;not null;default:litres" json:"unit"`
	ScheduledDate string          `gorm:"size:10;not null;index" json:"scheduled_date"`
	OrderNumber   string          `gorm:"size:50;uniqueIndex" json:"order_number"`
	Status        OrderStatus     `gorm:"type:enum('pending','batched','in_progress','partially_dispatched','completed');not null;default:pending;index" json:"status"`
	FulfilledQty  decimal.Decimal `gorm:"type:decimal(24,12);not null;default:0" json:"fulfilled_qty"`
	BatchId       *int            `gorm:"index" json:"batch_id"`
	BatchedAt     *time.Time      `json:"batched_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Client carries just enough of the client record for order numbering; client
// CRUD lives elsewhere.
type Client struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Location  string    `gorm:"size:255" json:"location"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewClient struct {
	Name     string `json:"name" binding:"required"`
	Location string `json:"location"`
}

// CreateClient registers a client; the location feeds the order number's
// three-letter segment.
func CreateClient(db *gorm.DB, input *NewClient) (*Client, error) {
	client := &Client{Name: input.Name, Location: input.Location}
	if err := db.Create(client).Error; err != nil {
		return nil, err
	}
	return client, nil
}

func ListClients(db *gorm.DB) ([]*Client, error) {
	var clients []*Client
	if err := db.Order("name ASC").Find(&clients).Error; err != nil {
		return nil, err
	}
	return clients, nil
}

type NewOrder struct {
	ClientName    string          `json:"client_name" binding:"required"`
	ResinType     string          `json:"resin_type" binding:"required"`
	Qty           decimal.Decimal `json:"qty" binding:"required"`
	Unit          string          `json:"unit"`
	ScheduledDate string          `json:"scheduled_date" binding:"required"`
}

// Remaining is the unfulfilled portion of the order, never negative.
func (o *Order) Remaining() decimal.Decimal {
	remaining := o.Qty.Sub(o.FulfilledQty)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// ApplyFulfillment computes the fulfillment step for a dispatched quantity.
// The new fulfilled quantity clamps to the order total once within tolerance,
// and the returned status is completed or partially_dispatched accordingly.
// add must be positive, so fulfillment is monotonic by construction.
func ApplyFulfillment(total, fulfilled, add decimal.Decimal) (decimal.Decimal, OrderStatus) {
	newFulfilled := fulfilled.Add(add)
	if newFulfilled.GreaterThanOrEqual(total.Sub(QtyTolerance)) {
		return total, OrderStatusCompleted
	}
	return newFulfilled, OrderStatusPartiallyDispatched
}

var lettersOnly = regexp.MustCompile(`[A-Za-z]+`)

// locationCode derives the three-letter order number segment from a client
// location, falling back to UNK when the location carries no letters.
func locationCode(location string) string {
	letters := strings.Join(lettersOnly.FindAllString(location, -1), "")
	if letters == "" {
		return "UNK"
	}
	if len(letters) > 3 {
		letters = letters[:3]
	}
	return strings.ToUpper(letters)
}

// CreateOrder inserts a pending order with a display number of the form
// AKO-<LOC>-<DDMMYYYY>-<NNNNN>, serialised per (location, scheduled date).
func CreateOrder(db *gorm.DB, input *NewOrder) (*Order, error) {
	scheduled, err := time.Parse(DateLayout, input.ScheduledDate)
	if err != nil {
		return nil, &InvalidQuantityError{Reason: "scheduled_date must be " + DateLayout}
	}
	if !input.Qty.IsPositive() {
		return nil, &InvalidQuantityError{Reason: "order qty must be positive"}
	}

	var client Client
	location := ""
	err = db.Where("name = ?", input.ClientName).First(&client).Error
	if err == nil {
		location = client.Location
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	code := locationCode(location)
	formattedDate := scheduled.Format("02012006")

	unit := input.Unit
	if unit == "" {
		unit = "litres"
	}

	var order *Order
	err = db.Transaction(func(tx *gorm.DB) error {
		var countToday int64
		prefix := fmt.Sprintf("%s-%s-%s-", orderNumberPrefix, code, formattedDate)
		if err := tx.Model(&Order{}).
			Where("scheduled_date = ? AND order_number LIKE ?", input.ScheduledDate, prefix+"%").
			Count(&countToday).Error; err != nil {
			return err
		}

		order = &Order{
			ClientName:    input.ClientName,
			ResinType:     input.ResinType,
			Qty:           input.Qty,
			Unit:          unit,
			ScheduledDate: input.ScheduledDate,
			OrderNumber:   fmt.Sprintf("%s%05d", prefix, countToday+1),
			Status:        OrderStatusPending,
			FulfilledQty:  decimal.Zero,
		}
		return tx.Create(order).Error
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func ListOrders(db *gorm.DB) ([]*Order, error) {
	var orders []*Order
	if err := db.Order("created_at DESC, id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func GetOrder(db *gorm.DB, id int) (*Order, error) {
	var order Order
	err := db.Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Entity: "order", Key: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
