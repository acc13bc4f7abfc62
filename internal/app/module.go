// Package app wires the ferry components into fx applications: a short-lived one for the
// administrative commands and the long-running scheduler service.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	gormadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm"
	"github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/mysql"
	pgdialect "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/postgres"
	"github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/sqlite"
	"github.com/tigerroll/ferry/pkg/batch/adapter/storage"
	"github.com/tigerroll/ferry/pkg/batch/adapter/storage/gcs"
	"github.com/tigerroll/ferry/pkg/batch/adapter/storage/local"
	"github.com/tigerroll/ferry/pkg/batch/component/payload/parquetexport"
	"github.com/tigerroll/ferry/pkg/batch/component/payload/sqlcopy"
	"github.com/tigerroll/ferry/pkg/batch/core/application/port"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/config/bootstrap"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/engine/dependency"
	"github.com/tigerroll/ferry/pkg/batch/engine/execution"
	"github.com/tigerroll/ferry/pkg/batch/engine/parallel"
	"github.com/tigerroll/ferry/pkg/batch/engine/retry"
	"github.com/tigerroll/ferry/pkg/batch/engine/scheduler"
	infraMetrics "github.com/tigerroll/ferry/pkg/batch/infrastructure/metrics"
	pgrepo "github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/postgres"
	sqlrepo "github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/sql"
	"github.com/tigerroll/ferry/pkg/batch/listener/notification"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// shutdownGrace bounds how long OnStop waits for in-flight runs after the loop stopped.
const shutdownGrace = 30 * time.Second

// CoreModule provides the configuration, the connection adapters, the payload registry and
// the coordination store, and runs the startup hooks (migrations, seeding).
var CoreModule = fx.Options(
	logger.Module,
	config.Module,

	gormadapter.Module,
	pgdialect.Module,
	mysql.Module,
	sqlite.Module,

	storage.Module,
	gcs.Module,
	local.Module,

	sqlcopy.Module,
	parquetexport.Module,
	fx.Provide(payload.NewRegistryFromGroup),

	fx.Provide(NewRepository),
	fx.Provide(NewDependencyResolver),
	fx.Provide(NewSynchronizer),

	bootstrap.Module,
)

// CommandModule is CoreModule for one-shot commands. Nothing is exported and no loop runs.
var CommandModule = fx.Options(
	CoreModule,
	fx.Provide(
		metrics.NewNoOpMetricRecorder,
		metrics.NewNoOpTracer,
	),
)

// ServerModule is the scheduler service: CoreModule plus metrics, run notifications, the
// execution engine and the loop driving the synchronizer and the poller.
var ServerModule = fx.Options(
	CoreModule,
	infraMetrics.Module,
	notification.Module,
	fx.Provide(
		NewProcessor,
		NewEngine,
		NewLoop,
	),
	fx.Invoke(RegisterLoop),
)

// RepositoryParams defines the dependencies of NewRepository.
type RepositoryParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Cfg       *config.Config
	Resolver  database.DBConnectionResolver
}

// NewRepository builds the coordination store on infrastructure.repository_db_ref. With the
// postgres queue backend the queue is served by the SKIP LOCKED store and everything else by
// the portable SQL repository.
func NewRepository(p RepositoryParams) (repository.Repository, error) {
	ref := p.Cfg.Ferry.Infrastructure.RepositoryDBRef
	dbCfg, err := bootstrap.RepositoryDatabase(p.Cfg)
	if err != nil {
		return nil, err
	}
	base := sqlrepo.NewSQLRepository(p.Resolver, gormadapter.NewGormTransactionManager(p.Resolver, ref), ref)

	var repo repository.Repository = base
	if p.Cfg.Ferry.Infrastructure.QueueBackend == config.QueueBackendPostgres {
		if dbCfg.Type != pgdialect.DBType {
			return nil, fmt.Errorf("queue_backend '%s' requires a postgres repository database, '%s' is %s",
				config.QueueBackendPostgres, ref, dbCfg.Type)
		}
		queue, closeQueue, err := pgrepo.Open(context.Background(), pgdialect.ConnectionString(dbCfg))
		if err != nil {
			return nil, err
		}
		repo = pgrepo.NewRepository(base, queue, closeQueue)
		logger.Infof("Repository: queue served by the postgres SKIP LOCKED store on '%s'.", ref)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return repo.Close()
		},
	})
	return repo, nil
}

// NewDependencyResolver creates the resolver over the coordination store.
func NewDependencyResolver(repo repository.Repository) *dependency.Resolver {
	return dependency.NewResolver(repo, repo)
}

// NewSynchronizer creates the schedule synchronizer in the configured time zone.
func NewSynchronizer(cfg *config.Config, repo repository.Repository, recorder metrics.MetricRecorder) (*scheduler.Synchronizer, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return scheduler.NewSynchronizer(repo, repo, recorder, loc, nil), nil
}

// NewProcessor creates the parallel processor from `batch.*`.
func NewProcessor(cfg *config.BatchConfig, recorder metrics.MetricRecorder, tracer metrics.Tracer) *parallel.Processor {
	return parallel.NewProcessor(parallel.OptionsFromConfig(*cfg), retry.NewPolicyFromConfig(cfg.Retry), nil, recorder, tracer)
}

// EngineParams defines the dependencies of NewEngine.
type EngineParams struct {
	fx.In
	Cfg          *config.Config
	Repo         repository.Repository
	Payloads     *payload.Registry
	Processor    *parallel.Processor
	Resolver     *dependency.Resolver
	Synchronizer *scheduler.Synchronizer
	Databases    database.DBConnectionResolver
	Storages     storage.StorageConnectionResolver
	Recorder     metrics.MetricRecorder
	Tracer       metrics.Tracer
	Listeners    []port.RunListener `group:"run_listeners"`
}

// NewEngine creates the execution engine.
func NewEngine(p EngineParams) *execution.Engine {
	return execution.NewEngine(execution.OptionsFromConfig(p.Cfg), execution.Dependencies{
		Repository:   p.Repo,
		Payloads:     p.Payloads,
		Checkpoints:  checkpoint.NewManager(p.Repo, p.Repo),
		Processor:    p.Processor,
		Resolver:     p.Resolver,
		Synchronizer: p.Synchronizer,
		Connections:  execution.NewResolverConnectionFactory(p.Databases, p.Storages, p.Cfg.Ferry.StorageConfigs),
		Recorder:     p.Recorder,
		Tracer:       p.Tracer,
		Listeners:    p.Listeners,
	})
}

// NewLoop creates the scheduler loop with the configured periods. The engine renews its leases
// and recovers abandoned runs every heartbeat interval.
func NewLoop(cfg *config.SchedulerConfig, synchronizer *scheduler.Synchronizer, engine *execution.Engine) *scheduler.Loop {
	return scheduler.NewLoop(synchronizer, engine, cfg.RefreshInterval(), cfg.PollInterval()).
		WithMaintainer(engine, cfg.HeartbeatInterval())
}

// RegisterLoop starts the loop once every OnStart hook registered before it (migrations,
// seeding) has succeeded, and on shutdown stops it and waits for in-flight runs.
func RegisterLoop(lc fx.Lifecycle, loop *scheduler.Loop, engine *execution.Engine) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// The start context expires with the start timeout; the loop outlives it.
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			logger.Infof("Worker '%s' starting.", engine.WorkerID())
			loop.Start(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			loop.Stop()
			cancel()
			return awaitRuns(ctx, engine)
		},
	})
}

// awaitRuns waits for the runs of engine until ctx or the grace period ends.
func awaitRuns(ctx context.Context, engine *execution.Engine) error {
	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	timer := time.NewTimer(shutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		logger.Infof("All runs finished.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still active at shutdown %v: %w", engine.Running(), ctx.Err())
	case <-timer.C:
		return fmt.Errorf("runs still active after %s: %v", shutdownGrace, engine.Running())
	}
}
