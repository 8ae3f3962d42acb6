package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/commission/domain"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	OrderRepo orderdomain.Repository
	Clock     clock.Clock `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	orderRepo orderdomain.Repository
	clock     clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("commission.service"),
		genID:     p.GenID,
		orderRepo: p.OrderRepo,
		clock:     clk,
	}
}

func (s *Service) CreateCommissionsForOrder(ctx context.Context, orderID snowflake.ID) ([]domain.Commission, error) {
	if orderID == 0 {
		return nil, domain.ErrInvalidOrder
	}

	var created []domain.Commission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orderRepo.FindByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		items, err := s.orderRepo.ListItems(ctx, tx, orderID)
		if err != nil {
			return err
		}

		vendorItems := lo.Filter(items, func(item orderdomain.OrderItem, _ int) bool {
			return item.VendorID != nil
		})
		if len(vendorItems) == 0 {
			return nil
		}
		byVendor := lo.GroupBy(vendorItems, func(item orderdomain.OrderItem) snowflake.ID {
			return *item.VendorID
		})

		vendorIDs := lo.Keys(byVendor)
		sort.Slice(vendorIDs, func(i, j int) bool { return vendorIDs[i] < vendorIDs[j] })

		rates, err := s.loadRates(ctx, tx, vendorIDs)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for _, vendorID := range vendorIDs {
			rate, ok := rates[vendorID]
			if !ok {
				s.log.Warn("vendor missing, skipping commission",
					zap.String("order_id", orderID.String()),
					zap.String("vendor_id", vendorID.String()),
				)
				continue
			}
			gross := lo.Reduce(byVendor[vendorID], func(acc decimal.Decimal, item orderdomain.OrderItem, _ int) decimal.Decimal {
				return acc.Add(item.LineTotal)
			}, decimal.Zero)

			row := domain.Commission{
				ID:          s.genID.Generate(),
				OrderID:     orderID,
				VendorID:    vendorID,
				GrossAmount: gross,
				Rate:        rate,
				Amount:      gross.Mul(rate).Round(2),
				Currency:    order.Currency,
				Status:      domain.StatusPending,
				CreatedAt:   now,
			}
			res := tx.WithContext(ctx).
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}, {Name: "vendor_id"}}, DoNothing: true}).
				Create(&row)
			if res.Error != nil {
				return fmt.Errorf("insert commission for vendor %s: %w", vendorID, res.Error)
			}
			if res.RowsAffected > 0 {
				created = append(created, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("commissions accrued",
		zap.String("order_id", orderID.String()),
		zap.Int("created", len(created)),
	)
	return created, nil
}

type vendorRate struct {
	ID             snowflake.ID
	CommissionRate decimal.Decimal
}

func (s *Service) loadRates(ctx context.Context, tx *gorm.DB, vendorIDs []snowflake.ID) (map[snowflake.ID]decimal.Decimal, error) {
	var rows []vendorRate
	err := tx.WithContext(ctx).Raw(
		`SELECT id, commission_rate FROM vendors WHERE id IN ?`,
		vendorIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return lo.SliceToMap(rows, func(row vendorRate) (snowflake.ID, decimal.Decimal) {
		return row.ID, row.CommissionRate
	}), nil
}
