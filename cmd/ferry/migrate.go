package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tigerroll/ferry/internal/app"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/config/bootstrap"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/migration"
)

func newMigrateCommand(src *app.Source) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema migrations to the repository database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(src.EnvFilePath, src.EmbeddedConfig)
			if err != nil {
				return err
			}
			if !status {
				return bootstrap.Migrate(cmd.Context(), cfg)
			}
			dbCfg, err := bootstrap.RepositoryDatabase(cfg)
			if err != nil {
				return err
			}
			v, dirty, ok, err := migration.NewMigrator(dbCfg).Version(cmd.Context())
			if err != nil {
				return err
			}
			switch {
			case !ok:
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
			case dirty:
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty)\n", v)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", v)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print the applied version instead of migrating")
	return cmd
}
