package inventory

import (
	"github.com/smallbiznis/storefront/internal/inventory/repository"
	"github.com/smallbiznis/storefront/internal/inventory/service"
	"go.uber.org/fx"
)

var Module = fx.Module("inventory",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
