package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound   = errors.New("order_not_found")
	ErrVersionConflict = errors.New("order_version_conflict")
)

type Repository interface {
	// FindByPaymentIntent returns (nil, nil) when no order carries the intent.
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*Order, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	ListItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]OrderItem, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, update StatusUpdate) error
	UpdateSupplierLinkage(ctx context.Context, db *gorm.DB, itemID snowflake.ID, linkage SupplierLinkage) error
}
