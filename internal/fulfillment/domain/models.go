package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder      = errors.New("invalid_order")
	ErrPublisherDisabled = errors.New("fulfillment_publisher_disabled")
)

// SupplierOrder is the dropship request handed to one supplier.
type SupplierOrder struct {
	Reference     string         `json:"reference"`
	OrderID       snowflake.ID   `json:"order_id"`
	OrderNumber   string         `json:"order_number"`
	SupplierID    snowflake.ID   `json:"supplier_id"`
	CustomerEmail string         `json:"customer_email"`
	Currency      string         `json:"currency"`
	Lines         []SupplierLine `json:"lines"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

type SupplierLine struct {
	OrderItemID snowflake.ID    `json:"order_item_id"`
	ProductID   snowflake.ID    `json:"product_id"`
	VariantID   *snowflake.ID   `json:"variant_id,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Publisher delivers supplier orders to the fulfillment transport. The same
// Reference may be delivered more than once.
type Publisher interface {
	Publish(ctx context.Context, order SupplierOrder) error
}

type Result struct {
	Submitted []SupplierOrder
	Skipped   int
}

type Service interface {
	ProcessNewOrder(ctx context.Context, orderID snowflake.ID) (*Result, error)
}
