package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const StatusPending = "pending"

var ErrInvalidOrder = errors.New("invalid_order")

// Commission is the marketplace share owed by one vendor for one order.
type Commission struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderID     snowflake.ID    `json:"order_id"`
	VendorID    snowflake.ID    `json:"vendor_id"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (Commission) TableName() string { return "commissions" }

type Service interface {
	// CreateCommissionsForOrder is idempotent per (order, vendor) and returns
	// the rows inserted by this call.
	CreateCommissionsForOrder(ctx context.Context, orderID snowflake.ID) ([]Commission, error)
}
