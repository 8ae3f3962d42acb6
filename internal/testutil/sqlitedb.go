// Package testutil holds SQLite fixtures shared by package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/storefront/internal/migration"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// OpenSQLite returns an isolated in-memory database with the full schema applied.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplyStatements(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// ItemFixture describes one order line. A zero VariantID stocks the product.
type ItemFixture struct {
	ProductStock int
	VariantStock int
	HasVariant   bool
	Quantity     int
	UnitPrice    decimal.Decimal
	VendorID     *snowflake.ID
	SupplierID   *snowflake.ID
}

type OrderFixture struct {
	PaymentIntentID   string
	PaymentStatus     orderdomain.PaymentStatus
	FulfillmentStatus orderdomain.FulfillmentStatus
	Currency          string
	Items             []ItemFixture
}

// SeedOrder inserts the order, its items and the stock rows they reference.
func SeedOrder(t testing.TB, db *gorm.DB, node *snowflake.Node, fx OrderFixture) *orderdomain.Order {
	t.Helper()

	if fx.PaymentStatus == "" {
		fx.PaymentStatus = orderdomain.PaymentStatusPending
	}
	if fx.FulfillmentStatus == "" {
		fx.FulfillmentStatus = orderdomain.FulfillmentStatusUnfulfilled
	}
	if fx.Currency == "" {
		fx.Currency = "USD"
	}

	now := time.Now().UTC().Truncate(time.Second)
	orderID := node.Generate()
	order := &orderdomain.Order{
		ID:                orderID,
		OrderNumber:       fmt.Sprintf("ORD-%s", orderID.Base36()),
		CustomerEmail:     gofakeit.Email(),
		PaymentStatus:     fx.PaymentStatus,
		FulfillmentStatus: fx.FulfillmentStatus,
		Currency:          fx.Currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if fx.PaymentIntentID != "" {
		intent := fx.PaymentIntentID
		order.PaymentIntentID = &intent
	}

	total := decimal.Zero
	for _, item := range fx.Items {
		price := item.UnitPrice
		if price.IsZero() {
			price = decimal.NewFromFloat(gofakeit.Price(5, 200)).Round(2)
		}
		productID := node.Generate()
		mustExec(t, db, `INSERT INTO products (id, name, inventory_quantity) VALUES (?, ?, ?)`,
			productID, gofakeit.ProductName(), item.ProductStock)

		row := orderdomain.OrderItem{
			ID:         node.Generate(),
			OrderID:    order.ID,
			ProductID:  productID,
			VendorID:   item.VendorID,
			SupplierID: item.SupplierID,
			Quantity:   item.Quantity,
			UnitPrice:  price,
			LineTotal:  price.Mul(decimal.NewFromInt(int64(item.Quantity))),
		}
		if item.HasVariant {
			variantID := node.Generate()
			mustExec(t, db, `INSERT INTO product_variants (id, product_id, name, inventory_quantity) VALUES (?, ?, ?, ?)`,
				variantID, productID, gofakeit.Color(), item.VariantStock)
			row.VariantID = &variantID
		}
		total = total.Add(row.LineTotal)
		order.Items = append(order.Items, row)
	}
	order.TotalAmount = total

	mustExec(t, db, `INSERT INTO orders (id, order_number, customer_email, payment_status, fulfillment_status,
		total_amount, currency, payment_intent_id, notes, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)`,
		order.ID, order.OrderNumber, order.CustomerEmail, order.PaymentStatus, order.FulfillmentStatus,
		order.TotalAmount, order.Currency, order.PaymentIntentID, order.CreatedAt, order.UpdatedAt)
	for _, row := range order.Items {
		mustExec(t, db, `INSERT INTO order_items (id, order_id, product_id, variant_id, vendor_id, quantity,
			unit_price, line_total, supplier_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.OrderID, row.ProductID, row.VariantID, row.VendorID, row.Quantity,
			row.UnitPrice, row.LineTotal, row.SupplierID)
	}
	return order
}

func SeedVendor(t testing.TB, db *gorm.DB, node *snowflake.Node, rate decimal.Decimal) snowflake.ID {
	t.Helper()
	id := node.Generate()
	mustExec(t, db, `INSERT INTO vendors (id, name, commission_rate) VALUES (?, ?, ?)`, id, gofakeit.Company(), rate)
	return id
}

// StockOf returns the variant quantity when the item has one, else the product quantity.
func StockOf(t testing.TB, db *gorm.DB, item orderdomain.OrderItem) int {
	t.Helper()
	var qty int
	var err error
	if item.VariantID != nil {
		err = db.Raw(`SELECT inventory_quantity FROM product_variants WHERE id = ?`, *item.VariantID).Scan(&qty).Error
	} else {
		err = db.Raw(`SELECT inventory_quantity FROM products WHERE id = ?`, item.ProductID).Scan(&qty).Error
	}
	if err != nil {
		t.Fatalf("read stock: %v", err)
	}
	return qty
}

func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	return count
}

func mustExec(t testing.TB, db *gorm.DB, query string, args ...any) {
	t.Helper()
	if err := db.Exec(query, args...).Error; err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
