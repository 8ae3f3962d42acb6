package repository_test

import (
	"context"
	"testing"
	"time"

	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"github.com/smallbiznis/storefront/internal/order/repository"
	"github.com/smallbiznis/storefront/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindByPaymentIntent(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := repository.Provide()

	seeded := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		PaymentIntentID: "pi_locate",
		Items:           []testutil.ItemFixture{{ProductStock: 3, Quantity: 1}},
	})

	found, err := repo.FindByPaymentIntent(ctx, db, "pi_locate")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, seeded.ID, found.ID)
	assert.Equal(t, orderdomain.PaymentStatusPending, found.PaymentStatus)
	assert.True(t, seeded.TotalAmount.Equal(found.TotalAmount))

	missing, err := repo.FindByPaymentIntent(ctx, db, "pi_unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	blank, err := repo.FindByPaymentIntent(ctx, db, "  ")
	require.NoError(t, err)
	assert.Nil(t, blank)
}

func TestUpdateStatusIsConditionalOnVersion(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := repository.Provide()

	seeded := testutil.SeedOrder(t, db, node, testutil.OrderFixture{PaymentIntentID: "pi_version"})
	paidAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := repo.UpdateStatus(ctx, db, orderdomain.StatusUpdate{
		OrderID:           seeded.ID,
		ExpectedVersion:   0,
		PaymentStatus:     orderdomain.PaymentStatusPaid,
		FulfillmentStatus: orderdomain.FulfillmentStatusProcessing,
		PaidAt:            &paidAt,
		LastEventAt:       &paidAt,
		Notes:             "paid",
		UpdatedAt:         paidAt,
	})
	require.NoError(t, err)

	err = repo.UpdateStatus(ctx, db, orderdomain.StatusUpdate{
		OrderID:           seeded.ID,
		ExpectedVersion:   0,
		PaymentStatus:     orderdomain.PaymentStatusFailed,
		FulfillmentStatus: orderdomain.FulfillmentStatusOnHold,
		UpdatedAt:         paidAt,
	})
	assert.ErrorIs(t, err, orderdomain.ErrVersionConflict)

	stored, err := repo.FindByID(ctx, db, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, orderdomain.FulfillmentStatusProcessing, stored.FulfillmentStatus)
	assert.Equal(t, int64(1), stored.Version)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, paidAt.Equal(*stored.PaidAt))
	assert.Equal(t, "paid", stored.Notes)
}

func TestFindByIDNotFound(t *testing.T) {
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)

	_, err := repository.Provide().FindByID(context.Background(), db, node.Generate())
	assert.ErrorIs(t, err, orderdomain.ErrOrderNotFound)
}

func TestListItemsAndSupplierLinkage(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := repository.Provide()

	supplierID := node.Generate()
	seeded := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		PaymentIntentID: "pi_items",
		Items: []testutil.ItemFixture{
			{ProductStock: 10, Quantity: 2, SupplierID: &supplierID},
			{HasVariant: true, VariantStock: 4, Quantity: 1},
		},
	})

	items, err := repo.ListItems(ctx, db, seeded.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NotNil(t, items[0].SupplierID)
	assert.Equal(t, supplierID, *items[0].SupplierID)
	assert.NotNil(t, items[1].VariantID)

	err = repo.UpdateSupplierLinkage(ctx, db, items[0].ID, orderdomain.SupplierLinkage{
		SupplierOrderID: "sup-123",
		SupplierStatus:  orderdomain.SupplierStatusSubmitted,
	})
	require.NoError(t, err)

	items, err = repo.ListItems(ctx, db, seeded.ID)
	require.NoError(t, err)
	require.NotNil(t, items[0].SupplierStatus)
	assert.Equal(t, orderdomain.SupplierStatusSubmitted, *items[0].SupplierStatus)
	require.NotNil(t, items[0].SupplierOrderID)
	assert.Equal(t, "sup-123", *items[0].SupplierOrderID)
	assert.Nil(t, items[0].TrackingNumber)

	err = repo.UpdateSupplierLinkage(ctx, db, node.Generate(), orderdomain.SupplierLinkage{SupplierStatus: "submitted"})
	assert.ErrorIs(t, err, orderdomain.ErrOrderNotFound)
}
