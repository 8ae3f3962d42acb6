package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/inventory/domain"
	"github.com/smallbiznis/storefront/internal/inventory/repository"
	"github.com/smallbiznis/storefront/internal/inventory/service"
	orderrepo "github.com/smallbiznis/storefront/internal/order/repository"
	"github.com/smallbiznis/storefront/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// contendedRepo simulates another writer moving the counter before every
// conditional update of the targeted subject.
type contendedRepo struct {
	domain.Repository
	target snowflake.ID
	misses int
}

func (r *contendedRepo) CompareAndSetQuantity(ctx context.Context, db *gorm.DB, subject domain.SubjectType, id snowflake.ID, prev, next int) (bool, error) {
	if id == r.target && r.misses > 0 {
		r.misses--
		return false, nil
	}
	return r.Repository.CompareAndSetQuantity(ctx, db, subject, id, prev, next)
}

func newService(t *testing.T, db *gorm.DB, node *snowflake.Node, repo domain.Repository) domain.Service {
	t.Helper()
	return service.NewService(service.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      repo,
		OrderRepo: orderrepo.Provide(),
		Clock:     clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
}

func TestRestoreReturnsEveryUnit(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	svc := newService(t, db, node, repository.Provide())

	order := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		PaymentIntentID: "pi_restore",
		Items: []testutil.ItemFixture{
			{ProductStock: 7, Quantity: 2},
			{ProductStock: 50, HasVariant: true, VariantStock: 1, Quantity: 3},
		},
	})

	result, err := svc.Restore(ctx, domain.RestoreRequest{OrderID: order.ID, Reason: domain.RestoreReasonCancelled})
	require.NoError(t, err)
	require.Len(t, result.Adjustments, 2)

	assert.Equal(t, 9, testutil.StockOf(t, db, order.Items[0]))
	assert.Equal(t, 4, testutil.StockOf(t, db, order.Items[1]))
	assert.Equal(t, 50, productStock(t, db, order.Items[1].ProductID), "variant restore must not touch the parent product")

	first := result.Adjustments[0]
	assert.Equal(t, domain.SubjectProduct, first.SubjectType)
	assert.Equal(t, 7, first.PreviousQuantity)
	assert.Equal(t, 9, first.NewQuantity)
	assert.Equal(t, domain.ActionRestoreFromCancelledOrder, first.Action)
	assert.Equal(t, domain.ActorPaymentWebhook, first.Actor)
	assert.Contains(t, first.Note, order.OrderNumber)

	second := result.Adjustments[1]
	assert.Equal(t, domain.SubjectVariant, second.SubjectType)
	assert.Equal(t, 3, second.Delta())

	stored, err := repository.Provide().ListByOrder(ctx, db, order.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for i, adj := range stored {
		assert.Equal(t, order.Items[i].Quantity, adj.Delta())
	}
}

func TestRestoreRefundAction(t *testing.T) {
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	svc := newService(t, db, node, repository.Provide())

	order := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		Items: []testutil.ItemFixture{{ProductStock: 0, Quantity: 1}},
	})

	result, err := svc.Restore(context.Background(), domain.RestoreRequest{OrderID: order.ID, Reason: domain.RestoreReasonRefunded})
	require.NoError(t, err)
	require.Len(t, result.Adjustments, 1)
	assert.Equal(t, domain.ActionRestoreFromRefundedOrder, result.Adjustments[0].Action)
}

func TestRestoreRetriesAfterConcurrentWrite(t *testing.T) {
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)

	order := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		Items: []testutil.ItemFixture{{ProductStock: 5, Quantity: 2}},
	})
	repo := &contendedRepo{Repository: repository.Provide(), target: order.Items[0].ProductID, misses: 2}
	svc := newService(t, db, node, repo)

	_, err := svc.Restore(context.Background(), domain.RestoreRequest{OrderID: order.ID, Reason: domain.RestoreReasonCancelled})
	require.NoError(t, err)
	assert.Equal(t, 7, testutil.StockOf(t, db, order.Items[0]))
}

func TestRestoreRollsBackOnInconsistency(t *testing.T) {
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)

	order := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		Items: []testutil.ItemFixture{
			{ProductStock: 5, Quantity: 1},
			{ProductStock: 8, Quantity: 2},
		},
	})
	repo := &contendedRepo{Repository: repository.Provide(), target: order.Items[1].ProductID, misses: 10}
	svc := newService(t, db, node, repo)

	_, err := svc.Restore(context.Background(), domain.RestoreRequest{OrderID: order.ID, Reason: domain.RestoreReasonCancelled})
	require.ErrorIs(t, err, domain.ErrInventoryInconsistency)

	assert.Equal(t, 5, testutil.StockOf(t, db, order.Items[0]), "first item must roll back with the second")
	assert.Equal(t, 8, testutil.StockOf(t, db, order.Items[1]))
	assert.Zero(t, testutil.Count(t, db, `SELECT COUNT(1) FROM inventory_adjustments WHERE order_id = ?`, order.ID))
}

func TestRestoreMissingSubjectIsInconsistent(t *testing.T) {
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	svc := newService(t, db, node, repository.Provide())

	order := testutil.SeedOrder(t, db, node, testutil.OrderFixture{
		Items: []testutil.ItemFixture{{ProductStock: 5, Quantity: 1}},
	})
	require.NoError(t, db.Exec(`DELETE FROM products WHERE id = ?`, order.Items[0].ProductID).Error)

	_, err := svc.Restore(context.Background(), domain.RestoreRequest{OrderID: order.ID, Reason: domain.RestoreReasonCancelled})
	assert.ErrorIs(t, err, domain.ErrInventoryInconsistency)
}

func TestRestoreValidatesRequest(t *testing.T) {
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	svc := newService(t, db, node, repository.Provide())

	_, err := svc.Restore(context.Background(), domain.RestoreRequest{Reason: domain.RestoreReasonCancelled})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	_, err = svc.Restore(context.Background(), domain.RestoreRequest{OrderID: node.Generate(), Reason: "lost"})
	assert.ErrorIs(t, err, domain.ErrInvalidRestoreReason)
}

func productStock(t *testing.T, db *gorm.DB, id snowflake.ID) int {
	t.Helper()
	var qty int
	require.NoError(t, db.Raw(`SELECT inventory_quantity FROM products WHERE id = ?`, id).Scan(&qty).Error)
	return qty
}
