package payment

import (
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/internal/notification"
	"github.com/smallbiznis/storefront/internal/payment/adapters"
	"github.com/smallbiznis/storefront/internal/payment/adapters/stripe"
	"github.com/smallbiznis/storefront/internal/payment/dispatcher"
	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
	"github.com/smallbiznis/storefront/internal/payment/repository"
	paymentservice "github.com/smallbiznis/storefront/internal/payment/service"
	"github.com/smallbiznis/storefront/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
		)
	}),
	fx.Provide(NewAuthenticator),
	fx.Provide(func(s *notification.Service) dispatcher.Notifier { return s }),
	fx.Provide(dispatcher.New),
	fx.Provide(func(d *dispatcher.Dispatcher) paymentservice.EffectDispatcher { return d }),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

// NewAuthenticator configures one adapter per provider with a webhook secret.
func NewAuthenticator(registry *adapters.Registry, cfg config.Config, clk clock.Clock, log *zap.Logger) (*adapters.Authenticator, error) {
	return adapters.NewAuthenticator(registry, map[string]paymentdomain.AdapterConfig{
		"stripe": {
			WebhookSecret: cfg.Payment.StripeWebhookSecret,
			Tolerance:     cfg.Payment.SignatureTolerance,
			Now:           clk.Now,
		},
	}, log)
}
