package fulfillment

import (
	"context"

	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/internal/fulfillment/domain"
	"github.com/smallbiznis/storefront/internal/fulfillment/kafka"
	"github.com/smallbiznis/storefront/internal/fulfillment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("fulfillment",
	fx.Provide(NewPublisher),
	fx.Provide(service.NewService),
)

// NewPublisher returns the Kafka publisher, or a publisher that refuses every
// submission when no brokers are configured.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (domain.Publisher, error) {
	if cfg.Fulfillment.KafkaBrokers == "" {
		log.Warn("KAFKA_BROKERS not set, dropship submissions are disabled")
		return disabledPublisher{}, nil
	}

	publisher, err := kafka.NewPublisher(cfg.Fulfillment.KafkaBrokers, cfg.Fulfillment.Topic, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			publisher.Close()
			return nil
		},
	})
	return publisher, nil
}

type disabledPublisher struct{}

func (disabledPublisher) Publish(context.Context, domain.SupplierOrder) error {
	return domain.ErrPublisherDisabled
}
