// Package bootstrap holds the startup hooks of a ferry process: applying the log level,
// migrating the coordination database and seeding the configured definitions.
package bootstrap

import (
	"context"
	"strings"

	"go.uber.org/fx"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/migration"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Module registers the startup hooks. Hooks run in registration order, so the schema exists
// before the seeder writes to it.
var Module = fx.Options(
	fx.Invoke(ApplyLoggingConfigHook),
	fx.Invoke(RunMigrationsHook),
	fx.Provide(NewSeeder),
	fx.Invoke(SeedDefinitionsHook),
)

// ApplyLoggingConfigHook applies the logging level based on the configuration.
func ApplyLoggingConfigHook(cfg *config.LoggingConfig) {
	if cfg.Level != "" {
		logger.SetLogLevel(cfg.Level)
		logger.Debugf("Log level set to: %s", cfg.Level)
	}
}

// RepositoryDatabase decodes the connection block hosting the coordination tables.
func RepositoryDatabase(cfg *config.Config) (dbconfig.DatabaseConfig, error) {
	ref := cfg.Ferry.Infrastructure.RepositoryDBRef
	if ref == "" {
		return dbconfig.DatabaseConfig{}, exception.NewBatchErrorf("Bootstrap", exception.KindFatal,
			"infrastructure.repository_db_ref is not configured")
	}
	dbCfg, err := dbconfig.Lookup(cfg.Ferry.DatabaseConfigs, ref)
	if err != nil {
		return dbCfg, exception.NewBatchError("Bootstrap", "invalid repository database", err, exception.KindFatal)
	}
	return dbCfg, nil
}

// RunMigrationsHookParams defines the dependencies of RunMigrationsHook.
type RunMigrationsHookParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Cfg       *config.Config
}

// RunMigrationsHook applies the embedded migrations to the repository database at startup
// when infrastructure.migrate_on_start is set.
func RunMigrationsHook(p RunMigrationsHookParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !p.Cfg.Ferry.Infrastructure.MigrateOnStart {
				logger.Debugf("Bootstrap: migrate_on_start is off. Skipping migrations.")
				return nil
			}
			return Migrate(ctx, p.Cfg)
		},
	})
}

// Migrate applies every pending migration to the repository database.
func Migrate(ctx context.Context, cfg *config.Config) error {
	dbCfg, err := RepositoryDatabase(cfg)
	if err != nil {
		return err
	}
	ref := cfg.Ferry.Infrastructure.RepositoryDBRef
	logger.Infof("Bootstrap: running migrations for repository database '%s' (%s).", ref, strings.ToLower(dbCfg.Type))
	if err := migration.NewMigrator(dbCfg).Up(ctx); err != nil {
		return exception.NewBatchError("Bootstrap", "failed to migrate repository database '"+ref+"'", err, exception.KindFatal)
	}
	return nil
}

// SeedDefinitionsHook writes the configured definitions once the schema is in place.
func SeedDefinitionsHook(lc fx.Lifecycle, cfg *config.Config, seeder *Seeder) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return seeder.Seed(ctx, &cfg.Ferry)
		},
	})
}
