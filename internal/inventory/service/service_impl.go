package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/inventory/domain"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxCompareAttempts bounds re-reads when a concurrent writer moves a stock
// counter between our read and our conditional write.
const maxCompareAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	OrderRepo  orderdomain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	orderRepo  orderdomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("inventory.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		orderRepo:  p.OrderRepo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// Restore returns every unit of the order to stock in a single transaction.
// Any lost conditional update or delta mismatch rolls the whole order back.
func (s *Service) Restore(ctx context.Context, req domain.RestoreRequest) (*domain.RestoreResult, error) {
	if req.OrderID == 0 {
		return nil, domain.ErrInvalidOrder
	}
	action, err := req.Reason.Action()
	if err != nil {
		return nil, err
	}

	result := &domain.RestoreResult{OrderID: req.OrderID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orderRepo.FindByID(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		items, err := s.orderRepo.ListItems(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}

		note := fmt.Sprintf("Order #%s %s", order.OrderNumber, req.Reason)
		for _, item := range items {
			adj, err := s.restoreItem(ctx, tx, order.ID, item, action, note)
			if err != nil {
				return err
			}
			result.Adjustments = append(result.Adjustments, adj)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInventoryInconsistency) {
			s.log.Error("inventory restoration rolled back",
				zap.String("order_id", req.OrderID.String()),
				zap.String("reason", string(req.Reason)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.obsMetrics.RecordInventoryAdjustments(ctx, action, len(result.Adjustments))
	s.log.Info("inventory restored",
		zap.String("order_id", req.OrderID.String()),
		zap.String("action", action),
		zap.Int("adjustments", len(result.Adjustments)),
	)
	return result, nil
}

func (s *Service) restoreItem(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, item orderdomain.OrderItem, action, note string) (domain.Adjustment, error) {
	if item.Quantity <= 0 {
		return domain.Adjustment{}, fmt.Errorf("%w: item %d has quantity %d", domain.ErrInventoryInconsistency, item.ID, item.Quantity)
	}

	subject, subjectID := domain.SubjectProduct, item.ProductID
	if item.VariantID != nil {
		subject, subjectID = domain.SubjectVariant, *item.VariantID
	}

	for attempt := 0; attempt < maxCompareAttempts; attempt++ {
		prev, err := s.repo.ReadQuantity(ctx, tx, subject, subjectID)
		if err != nil {
			if errors.Is(err, domain.ErrSubjectNotFound) {
				return domain.Adjustment{}, fmt.Errorf("%w: %v", domain.ErrInventoryInconsistency, err)
			}
			return domain.Adjustment{}, err
		}
		next := prev + item.Quantity

		ok, err := s.repo.CompareAndSetQuantity(ctx, tx, subject, subjectID, prev, next)
		if err != nil {
			return domain.Adjustment{}, err
		}
		if !ok {
			s.log.Warn("inventory counter moved, re-reading",
				zap.String("subject_type", string(subject)),
				zap.String("subject_id", subjectID.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		oid := orderID
		adj := domain.Adjustment{
			ID:               s.genID.Generate(),
			OrderID:          &oid,
			SubjectType:      subject,
			SubjectID:        subjectID,
			PreviousQuantity: prev,
			NewQuantity:      next,
			Action:           action,
			Note:             note,
			Actor:            domain.ActorPaymentWebhook,
			CreatedAt:        s.clock.Now(),
		}
		if adj.Delta() != item.Quantity {
			return domain.Adjustment{}, fmt.Errorf("%w: delta %d for quantity %d", domain.ErrInventoryInconsistency, adj.Delta(), item.Quantity)
		}
		if err := s.repo.InsertAdjustment(ctx, tx, adj); err != nil {
			return domain.Adjustment{}, err
		}
		return adj, nil
	}

	return domain.Adjustment{}, fmt.Errorf("%w: %s %d changed concurrently %d times", domain.ErrInventoryInconsistency, subject, subjectID, maxCompareAttempts)
}
