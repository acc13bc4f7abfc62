package main

import (
	"fmt"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tigerroll/ferry/internal/app"
)

// version is set with -ldflags "-X main.version=..." at release builds.
var version = "dev"

func newRootCommand(src app.Source) *cobra.Command {
	root := &cobra.Command{
		Use:           "ferry",
		Short:         "Schedule and run data-movement jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&src.EnvFilePath, "env-file", src.EnvFilePath, ".env file loaded before the configuration is expanded")

	// Subcommands read src when they run, after the flags were parsed.
	root.AddCommand(
		newServeCommand(&src),
		newMigrateCommand(&src),
		newEnqueueCommand(&src),
		newStopCommand(&src),
		newScheduleCommand(&src),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(src *app.Source) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the schedule synchronizer and the queue poller until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Serve(ctx, *src)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v := version
			if info, ok := debug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" {
				v = info.Main.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ferry %s\n", v)
		},
	}
}
