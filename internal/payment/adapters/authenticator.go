package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/smallbiznis/storefront/internal/payment/domain"
	"go.uber.org/zap"
)

// Authenticator verifies and parses inbound notifications with the adapter
// configured for each provider.
type Authenticator struct {
	registry *Registry
	adapters map[string]domain.PaymentAdapter
	log      *zap.Logger
}

// NewAuthenticator builds one adapter per configured provider. Providers known
// to the registry but missing from configs reject every notification.
func NewAuthenticator(registry *Registry, configs map[string]domain.AdapterConfig, log *zap.Logger) (*Authenticator, error) {
	a := &Authenticator{
		registry: registry,
		adapters: map[string]domain.PaymentAdapter{},
		log:      log.Named("payment.authenticator"),
	}
	for provider, cfg := range configs {
		adapter, err := registry.NewAdapter(provider, cfg)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidConfig) {
				a.log.Warn("payment provider not configured", zap.String("provider", provider))
				continue
			}
			return nil, fmt.Errorf("configure %s adapter: %w", provider, err)
		}
		a.adapters[normalizeProvider(provider)] = adapter
	}
	return a, nil
}

// Authenticate checks the signature before looking at the body, so nothing
// from an unauthenticated request reaches the parser.
func (a *Authenticator) Authenticate(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	provider = normalizeProvider(provider)
	if !a.registry.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}
	adapter, ok := a.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s has no webhook secret", domain.ErrAuthentication, provider)
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return nil, err
	}
	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return nil, err
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return event, nil
}
