package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/fulfillment/domain"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	OrderRepo orderdomain.Repository
	Publisher domain.Publisher
	Clock     clock.Clock `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	orderRepo orderdomain.Repository
	publisher domain.Publisher
	clock     clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("fulfillment.service"),
		orderRepo: p.OrderRepo,
		publisher: p.Publisher,
		clock:     clk,
	}
}

// ProcessNewOrder submits every dropship item not yet handed to its supplier.
// Items already carrying a supplier status are left alone, so a repeated call
// only picks up what an earlier attempt failed to submit.
func (s *Service) ProcessNewOrder(ctx context.Context, orderID snowflake.ID) (*domain.Result, error) {
	if orderID == 0 {
		return nil, domain.ErrInvalidOrder
	}

	order, err := s.orderRepo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.orderRepo.ListItems(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}

	pending, done := lo.FilterReject(items, func(item orderdomain.OrderItem, _ int) bool {
		return item.SupplierID != nil && item.SupplierStatus == nil
	})
	result := &domain.Result{Skipped: len(done)}
	if len(pending) == 0 {
		return result, nil
	}

	bySupplier := lo.GroupBy(pending, func(item orderdomain.OrderItem) snowflake.ID {
		return *item.SupplierID
	})
	supplierIDs := lo.Keys(bySupplier)
	sort.Slice(supplierIDs, func(i, j int) bool { return supplierIDs[i] < supplierIDs[j] })

	var firstErr error
	for _, supplierID := range supplierIDs {
		supplierOrder := s.buildSupplierOrder(order, supplierID, bySupplier[supplierID])
		if err := s.submit(ctx, supplierOrder); err != nil {
			s.log.Error("supplier submission failed",
				zap.String("order_id", orderID.String()),
				zap.String("supplier_id", supplierID.String()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Submitted = append(result.Submitted, supplierOrder)
	}

	return result, firstErr
}

func (s *Service) buildSupplierOrder(order *orderdomain.Order, supplierID snowflake.ID, items []orderdomain.OrderItem) domain.SupplierOrder {
	return domain.SupplierOrder{
		Reference:     fmt.Sprintf("%s-%s", order.OrderNumber, supplierID.Base36()),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		SupplierID:    supplierID,
		CustomerEmail: order.CustomerEmail,
		Currency:      order.Currency,
		Lines: lo.Map(items, func(item orderdomain.OrderItem, _ int) domain.SupplierLine {
			return domain.SupplierLine{
				OrderItemID: item.ID,
				ProductID:   item.ProductID,
				VariantID:   item.VariantID,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
			}
		}),
		SubmittedAt: s.clock.Now(),
	}
}

func (s *Service) submit(ctx context.Context, supplierOrder domain.SupplierOrder) error {
	if err := s.publisher.Publish(ctx, supplierOrder); err != nil {
		return fmt.Errorf("publish %s: %w", supplierOrder.Reference, err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, line := range supplierOrder.Lines {
			err := s.orderRepo.UpdateSupplierLinkage(ctx, tx, line.OrderItemID, orderdomain.SupplierLinkage{
				SupplierOrderID: supplierOrder.Reference,
				SupplierStatus:  orderdomain.SupplierStatusSubmitted,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
