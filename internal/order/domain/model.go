package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

type FulfillmentStatus string

const (
	FulfillmentStatusUnfulfilled FulfillmentStatus = "unfulfilled"
	FulfillmentStatusProcessing  FulfillmentStatus = "processing"
	FulfillmentStatusOnHold      FulfillmentStatus = "on_hold"
	FulfillmentStatusCancelled   FulfillmentStatus = "cancelled"
	FulfillmentStatusRefunded    FulfillmentStatus = "refunded"
	FulfillmentStatusShipped     FulfillmentStatus = "shipped"
	FulfillmentStatusDelivered   FulfillmentStatus = "delivered"
)

// SupplierStatusSubmitted marks an item handed to its dropship supplier.
const SupplierStatusSubmitted = "submitted"

type Order struct {
	ID                snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrderNumber       string            `json:"order_number"`
	CustomerEmail     string            `json:"customer_email"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	Currency          string            `json:"currency"`
	PaymentIntentID   *string           `json:"payment_intent_id,omitempty"`
	Notes             string            `json:"notes"`
	PaidAt            *time.Time        `json:"paid_at,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	LastEventAt       *time.Time        `json:"last_event_at,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`

	Items []OrderItem `json:"items,omitempty" gorm:"-"`
}

func (Order) TableName() string { return "orders" }

// IsTerminal reports whether the order has already been reversed.
func (o Order) IsTerminal() bool {
	return o.FulfillmentStatus == FulfillmentStatusCancelled ||
		o.FulfillmentStatus == FulfillmentStatusRefunded
}

type OrderItem struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderID         snowflake.ID    `json:"order_id"`
	ProductID       snowflake.ID    `json:"product_id"`
	VariantID       *snowflake.ID   `json:"variant_id,omitempty"`
	VendorID        *snowflake.ID   `json:"vendor_id,omitempty"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	LineTotal       decimal.Decimal `json:"line_total"`
	SupplierID      *snowflake.ID   `json:"supplier_id,omitempty"`
	SupplierOrderID *string         `json:"supplier_order_id,omitempty"`
	SupplierStatus  *string         `json:"supplier_status,omitempty"`
	TrackingNumber  *string         `json:"tracking_number,omitempty"`
}

func (OrderItem) TableName() string { return "order_items" }

// StatusUpdate is a conditional write of the lifecycle columns. It applies
// only while the stored version equals ExpectedVersion.
type StatusUpdate struct {
	OrderID           snowflake.ID
	ExpectedVersion   int64
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	PaidAt            *time.Time
	CancelledAt       *time.Time
	LastEventAt       *time.Time
	Notes             string
	UpdatedAt         time.Time
}

type SupplierLinkage struct {
	SupplierOrderID string
	SupplierStatus  string
	TrackingNumber  string
}
