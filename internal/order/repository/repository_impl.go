package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const orderColumns = `id, order_number, customer_email, payment_status, fulfillment_status,
	total_amount, currency, payment_intent_id, notes, paid_at, cancelled_at,
	last_event_at, version, created_at, updated_at`

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*domain.Order, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return nil, nil
	}

	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE payment_intent_id = ?
		 LIMIT 1`,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return &item, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.OrderItem, error) {
	var items []domain.OrderItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, product_id, variant_id, vendor_id, quantity, unit_price,
			line_total, supplier_id, supplier_order_id, supplier_status, tracking_number
		 FROM order_items
		 WHERE order_id = ?
		 ORDER BY id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateStatus bumps the version by one. A stale ExpectedVersion yields
// domain.ErrVersionConflict and leaves the row untouched.
func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, update domain.StatusUpdate) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET payment_status = ?,
			fulfillment_status = ?,
			paid_at = ?,
			cancelled_at = ?,
			last_event_at = ?,
			notes = ?,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		update.PaymentStatus,
		update.FulfillmentStatus,
		update.PaidAt,
		update.CancelledAt,
		update.LastEventAt,
		update.Notes,
		update.UpdatedAt,
		update.OrderID,
		update.ExpectedVersion,
	)
	if res.Error != nil {
		return fmt.Errorf("update order %d status: %w", update.OrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *repo) UpdateSupplierLinkage(ctx context.Context, db *gorm.DB, itemID snowflake.ID, linkage domain.SupplierLinkage) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_items
		 SET supplier_order_id = COALESCE(?, supplier_order_id),
			supplier_status = ?,
			tracking_number = COALESCE(?, tracking_number)
		 WHERE id = ?`,
		nullable(linkage.SupplierOrderID),
		linkage.SupplierStatus,
		nullable(linkage.TrackingNumber),
		itemID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order item %d: %w", itemID, domain.ErrOrderNotFound)
	}
	return nil
}

func nullable(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
