package repository

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/inventory/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func tableFor(subject domain.SubjectType) (string, error) {
	switch subject {
	case domain.SubjectProduct:
		return "products", nil
	case domain.SubjectVariant:
		return "product_variants", nil
	default:
		return "", fmt.Errorf("unknown inventory subject %q", subject)
	}
}

func (r *repo) ReadQuantity(ctx context.Context, db *gorm.DB, subject domain.SubjectType, id snowflake.ID) (int, error) {
	table, err := tableFor(subject)
	if err != nil {
		return 0, err
	}

	var rows []struct {
		InventoryQuantity int
	}
	err = db.WithContext(ctx).Raw(
		`SELECT inventory_quantity FROM `+table+` WHERE id = ? LIMIT 1`,
		id,
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%s %d: %w", subject, id, domain.ErrSubjectNotFound)
	}
	return rows[0].InventoryQuantity, nil
}

func (r *repo) CompareAndSetQuantity(ctx context.Context, db *gorm.DB, subject domain.SubjectType, id snowflake.ID, prev, next int) (bool, error) {
	table, err := tableFor(subject)
	if err != nil {
		return false, err
	}

	res := db.WithContext(ctx).Exec(
		`UPDATE `+table+`
		 SET inventory_quantity = ?
		 WHERE id = ? AND inventory_quantity = ?`,
		next,
		id,
		prev,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertAdjustment(ctx context.Context, db *gorm.DB, adj domain.Adjustment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO inventory_adjustments (
			id, order_id, subject_type, subject_id, previous_quantity, new_quantity,
			action, note, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.ID,
		adj.OrderID,
		adj.SubjectType,
		adj.SubjectID,
		adj.PreviousQuantity,
		adj.NewQuantity,
		adj.Action,
		adj.Note,
		adj.Actor,
		adj.CreatedAt,
	).Error
}

func (r *repo) ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.Adjustment, error) {
	var items []domain.Adjustment
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, subject_type, subject_id, previous_quantity, new_quantity,
			action, note, actor, created_at
		 FROM inventory_adjustments
		 WHERE order_id = ?
		 ORDER BY id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
