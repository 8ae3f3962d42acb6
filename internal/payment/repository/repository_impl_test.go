package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/storefront/internal/payment/domain"
	"github.com/smallbiznis/storefront/internal/payment/repository"
	"github.com/smallbiznis/storefront/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestInsertEventDeduplicates(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := repository.Provide()

	received := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	record := &domain.EventRecord{
		ID:              node.Generate(),
		Provider:        "stripe",
		ProviderEventID: "evt_dedupe",
		EventType:       "payment_intent.succeeded",
		PaymentIntentID: "pi_1",
		Payload:         datatypes.JSON([]byte(`{"id":"evt_dedupe"}`)),
		ReceivedAt:      received,
	}

	inserted, err := repo.InsertEvent(ctx, db, record)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *record
	dup.ID = node.Generate()
	inserted, err = repo.InsertEvent(ctx, db, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	found, err := repo.FindEvent(ctx, db, "stripe", "evt_dedupe")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, record.ID, found.ID)
	assert.Nil(t, found.ProcessedAt)

	processed := received.Add(time.Second)
	require.NoError(t, repo.MarkProcessed(ctx, db, record.ID, processed))

	found, err = repo.FindEvent(ctx, db, "stripe", "evt_dedupe")
	require.NoError(t, err)
	require.NotNil(t, found.ProcessedAt)
	assert.True(t, processed.Equal(*found.ProcessedAt))

	missing, err := repo.FindEvent(ctx, db, "stripe", "evt_other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertEventSurfacesOtherErrors(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := repository.Provide()

	require.NoError(t, db.Exec("DROP TABLE payment_events").Error)

	inserted, err := repo.InsertEvent(ctx, db, &domain.EventRecord{
		ID:              node.Generate(),
		Provider:        "stripe",
		ProviderEventID: "evt_missing_table",
		EventType:       "payment_intent.succeeded",
		Payload:         datatypes.JSON([]byte(`{}`)),
		ReceivedAt:      time.Now().UTC(),
	})
	require.Error(t, err)
	assert.False(t, inserted)
}
