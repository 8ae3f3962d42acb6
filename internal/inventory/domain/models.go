package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type SubjectType string

const (
	SubjectProduct SubjectType = "product"
	SubjectVariant SubjectType = "variant"
)

const (
	ActionRestoreFromCancelledOrder = "restore_from_cancelled_order"
	ActionRestoreFromRefundedOrder  = "restore_from_refunded_order"

	ActorPaymentWebhook = "system:payment-webhook"
)

// RestoreReason selects the ledger action recorded for a restoration.
type RestoreReason string

const (
	RestoreReasonCancelled RestoreReason = "cancelled"
	RestoreReasonRefunded  RestoreReason = "refunded"
)

func (r RestoreReason) Action() (string, error) {
	switch r {
	case RestoreReasonCancelled:
		return ActionRestoreFromCancelledOrder, nil
	case RestoreReasonRefunded:
		return ActionRestoreFromRefundedOrder, nil
	default:
		return "", ErrInvalidRestoreReason
	}
}

var (
	ErrInventoryInconsistency = errors.New("inventory_inconsistency")
	ErrInvalidRestoreReason   = errors.New("invalid_restore_reason")
	ErrInvalidOrder           = errors.New("invalid_order")
	ErrSubjectNotFound        = errors.New("inventory_subject_not_found")
)

// Adjustment is an append-only stock ledger row. NewQuantity - PreviousQuantity
// always equals the signed delta applied.
type Adjustment struct {
	ID               snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrderID          *snowflake.ID `json:"order_id,omitempty"`
	SubjectType      SubjectType   `json:"subject_type"`
	SubjectID        snowflake.ID  `json:"subject_id"`
	PreviousQuantity int           `json:"previous_quantity"`
	NewQuantity      int           `json:"new_quantity"`
	Action           string        `json:"action"`
	Note             string        `json:"note"`
	Actor            string        `json:"actor"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (Adjustment) TableName() string { return "inventory_adjustments" }

func (a Adjustment) Delta() int {
	return a.NewQuantity - a.PreviousQuantity
}

type RestoreRequest struct {
	OrderID snowflake.ID
	Reason  RestoreReason
}

type RestoreResult struct {
	OrderID     snowflake.ID
	Adjustments []Adjustment
}

type Repository interface {
	ReadQuantity(ctx context.Context, db *gorm.DB, subject SubjectType, id snowflake.ID) (int, error)
	// CompareAndSetQuantity writes next only while the stored value equals prev.
	CompareAndSetQuantity(ctx context.Context, db *gorm.DB, subject SubjectType, id snowflake.ID, prev, next int) (bool, error)
	InsertAdjustment(ctx context.Context, db *gorm.DB, adj Adjustment) error
	ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Adjustment, error)
}

type Service interface {
	Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error)
}
