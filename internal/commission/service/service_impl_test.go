package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/commission/domain"
	"github.com/smallbiznis/storefront/internal/commission/service"
	orderrepo "github.com/smallbiznis/storefront/internal/order/repository"
	"github.com/smallbiznis/storefront/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateCommissionsForOrder(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)

	svc := service.NewService(service.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		OrderRepo: orderrepo.Provide(),
		Clock:     clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
	})

	vendorA := testutil.SeedVendor(t, db, node, decimal.RequireFromString("0.10"))
	vendorB := testutil.SeedVendor(t, db, node, decimal.RequireFromString("0.15"))

	order := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		PaymentIntentID: "pi_commission",
		Currency:        "EUR",
		Items: []testutil.ItemFixture{
			{ProductStock: 5, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00"), VendorID: &vendorA},
			{ProductStock: 5, Quantity: 1, UnitPrice: decimal.RequireFromString("5.50"), VendorID: &vendorA},
			{ProductStock: 5, Quantity: 3, UnitPrice: decimal.RequireFromString("9.99"), VendorID: &vendorB},
			{ProductStock: 5, Quantity: 1, UnitPrice: decimal.RequireFromString("100.00")},
		},
	})

	created, err := svc.CreateCommissionsForOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, created, 2)

	byVendor := map[string]domain.Commission{}
	for _, c := range created {
		byVendor[c.VendorID.String()] = c
	}

	a := byVendor[vendorA.String()]
	assert.True(t, decimal.RequireFromString("25.50").Equal(a.GrossAmount), a.GrossAmount.String())
	assert.True(t, decimal.RequireFromString("2.55").Equal(a.Amount), a.Amount.String())
	assert.Equal(t, "EUR", a.Currency)

	b := byVendor[vendorB.String()]
	assert.True(t, decimal.RequireFromString("29.97").Equal(b.GrossAmount), b.GrossAmount.String())
	assert.True(t, decimal.RequireFromString("4.50").Equal(b.Amount), b.Amount.String())

	again, err := svc.CreateCommissionsForOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, int64(2), testutil.Count(t, db, `SELECT COUNT(1) FROM commissions WHERE order_id = ?`, order.ID))
}

func TestCreateCommissionsWithoutVendors(t *testing.T) {
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	svc := service.NewService(service.Params{DB: db, Log: zap.NewNop(), GenID: node, OrderRepo: orderrepo.Provide()})

	order := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		Items: []testutil.ItemFixture{{ProductStock: 1, Quantity: 1}},
	})

	created, err := svc.CreateCommissionsForOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Empty(t, created)

	_, err = svc.CreateCommissionsForOrder(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}
