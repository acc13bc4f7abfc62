package app

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/engine/scheduler"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Source tells the application where its configuration comes from.
type Source struct {
	// EmbeddedConfig is the YAML document compiled into the binary.
	EmbeddedConfig config.EmbeddedConfig
	// EnvFilePath is the .env file loaded before the document is expanded.
	EnvFilePath string
}

// New creates an fx application running module on the configuration of src.
func New(src Source, module fx.Option, opts ...fx.Option) *fx.App {
	return fx.New(options(src, module, opts...))
}

func options(src Source, module fx.Option, opts ...fx.Option) fx.Option {
	return fx.Options(
		fx.Supply(
			src.EmbeddedConfig,
			fx.Annotate(src.EnvFilePath, fx.ResultTags(`name:"envFilePath"`)),
		),
		module,
		fx.StopTimeout(shutdownGrace+5*time.Second),
		fx.Options(opts...),
	)
}

// Serve runs the scheduler service until a SIGINT/SIGTERM is received or ctx is done.
func Serve(ctx context.Context, src Source) error {
	application := New(src, ServerModule)
	if err := application.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, application.StartTimeout())
	defer cancel()
	if err := application.Start(startCtx); err != nil {
		return err
	}

	select {
	case sig := <-application.Done():
		logger.Warnf("Received signal '%v'. Shutting down...", sig)
	case <-ctx.Done():
		logger.Warnf("Context cancelled. Shutting down...")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), application.StopTimeout())
	defer cancelStop()
	return application.Stop(stopCtx)
}

// Services are the components available to one-shot commands.
type Services struct {
	fx.In
	Config       *config.Config
	Repository   repository.Repository
	Synchronizer *scheduler.Synchronizer
}

// Exec starts a CommandModule application, calls fn and stops the application again. The
// startup hooks run first, so fn sees a migrated and seeded store.
func Exec(ctx context.Context, src Source, fn func(ctx context.Context, s Services) error) (err error) {
	var services Services
	application := New(src, CommandModule, fx.Populate(&services))
	if err := application.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, application.StartTimeout())
	defer cancel()
	if err := application.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), application.StopTimeout())
		defer cancelStop()
		if stopErr := application.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(ctx, services)
}
