package gorm

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/fx"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	coreAdapter "github.com/tigerroll/ferry/pkg/batch/core/adapter"
)

// closeProvidersParams collects every DBProvider so they can be closed on shutdown.
type closeProvidersParams struct {
	fx.In
	Lifecycle   fx.Lifecycle
	DBProviders []database.DBProvider `group:"db_providers"`
}

func registerCloseHook(p closeProvidersParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			var result *multierror.Error
			for _, provider := range p.DBProviders {
				if err := provider.CloseAll(); err != nil {
					result = multierror.Append(result, err)
				}
			}
			return result.ErrorOrNil()
		},
	})
}

// Module exports the connection resolver and transaction factory. Concrete providers come
// from the dialect packages (postgres, mysql, sqlite).
var Module = fx.Options(
	fx.Provide(NewGormTransactionManagerFactory),
	fx.Provide(fx.Annotate(
		NewGormDBConnectionResolver,
		fx.As(new(database.DBConnectionResolver)),
		fx.As(new(coreAdapter.ResourceConnectionResolver)),
	)),
	fx.Invoke(registerCloseHook),
)
