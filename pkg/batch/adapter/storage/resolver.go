package storage

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	storageConfig "github.com/tigerroll/ferry/pkg/batch/adapter/storage/config"
	coreAdapter "github.com/tigerroll/ferry/pkg/batch/core/adapter"
	coreConfig "github.com/tigerroll/ferry/pkg/batch/core/config"
)

// Resolver implements StorageConnectionResolver over every registered StorageProvider.
type Resolver struct {
	providers map[string]StorageProvider
	configs   map[string]interface{}
}

// ResolverParams holds the Fx dependencies of NewResolver.
type ResolverParams struct {
	fx.In
	Providers []StorageProvider `group:"storage_providers"`
	Cfg       *coreConfig.Config
}

// NewResolver creates a Resolver keyed by provider type.
func NewResolver(p ResolverParams) *Resolver {
	providers := make(map[string]StorageProvider, len(p.Providers))
	for _, provider := range p.Providers {
		providers[provider.Type()] = provider
	}
	return &Resolver{providers: providers, configs: p.Cfg.Ferry.StorageConfigs}
}

// ResolveStorageConnection implements StorageConnectionResolver.
func (r *Resolver) ResolveStorageConnection(ctx context.Context, name string) (StorageConnection, error) {
	cfg, err := storageConfig.Lookup(r.configs, name)
	if err != nil {
		return nil, err
	}
	provider, ok := r.providers[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("no storage provider found for type '%s' (connection '%s')", cfg.Type, name)
	}
	conn, err := provider.GetConnection(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage connection '%s' from provider '%s': %w", name, cfg.Type, err)
	}
	return conn, nil
}

// ResolveConnection implements coreAdapter.ResourceConnectionResolver.
func (r *Resolver) ResolveConnection(ctx context.Context, name string) (coreAdapter.ResourceConnection, error) {
	return r.ResolveStorageConnection(ctx, name)
}

// CloseAll closes the connections of every provider.
func (r *Resolver) CloseAll() error {
	var firstErr error
	for _, provider := range r.providers {
		if err := provider.CloseAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Module provides the storage resolver and closes all storage connections on shutdown.
// Concrete providers come from the gcs and local packages.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewResolver,
		fx.As(new(StorageConnectionResolver)),
	)),
	fx.Invoke(func(lc fx.Lifecycle, r StorageConnectionResolver) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				if closer, ok := r.(interface{ CloseAll() error }); ok {
					return closer.CloseAll()
				}
				return nil
			},
		})
	}),
)
